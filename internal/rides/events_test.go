package rides

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/pkg/eventbus"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeBus struct {
	mu       sync.Mutex
	subjects []string
	events   []*eventbus.Event
	err      error
}

func (b *fakeBus) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.events = append(b.events, event)
	return b.err
}

func TestEventPublisher_PublishesOneEventPerChange(t *testing.T) {
	bus := &fakeBus{}
	p := NewEventPublisher(bus)

	ride := &Ride{ID: uuid.New(), Number: 1001, Version: 3, Driver: &DriverBinding{ID: "driver-b"}}
	p.RideChanged(context.Background(), ride, []Change{
		{Action: ActionLocked, From: StatusSent, To: StatusLocked, Actor: "driver-b", At: t0},
		{Action: ActionAssigned, From: StatusLocked, To: StatusAssigned, Actor: "driver-b", At: t0},
	})

	require.Len(t, bus.events, 2)
	assert.Equal(t, []string{"rides.locked", "rides.assigned"}, bus.subjects)

	var data eventbus.RideLifecycleData
	require.NoError(t, bus.events[1].Decode(&data))
	assert.Equal(t, ride.ID, data.RideID)
	assert.Equal(t, int64(1001), data.RideNumber)
	assert.Equal(t, "locked", data.FromStatus)
	assert.Equal(t, "assigned", data.ToStatus)
	assert.Equal(t, "driver-b", data.DriverID)
	assert.Equal(t, int64(3), data.Version)
	assert.Equal(t, "rides.assigned", bus.events[1].Type)
}

func TestEventPublisher_FailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	restore := logger.Set(zap.New(core))
	defer restore()

	bus := &fakeBus{err: errors.New("nats: timeout")}
	p := NewEventPublisher(bus)

	p.RideChanged(context.Background(), &Ride{ID: uuid.New()}, []Change{
		{Action: ActionCancelled, From: StatusSent, To: StatusCancelled, Actor: "customer", At: t0},
	})

	entries := logs.FilterMessage("failed to publish ride event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "rides.cancelled", entries[0].ContextMap()["subject"])
}

func TestEngine_NotifiesThroughEventPublisher(t *testing.T) {
	bus := &fakeBus{}
	repo := NewMemoryRepository()
	engine := NewEngine(repo, testSettings(), WithClock(newTestClock(t0).Now), WithNotifier(NewEventPublisher(bus)))

	ride, err := engine.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)
	_, err = engine.Transition(context.Background(), ride.ID, ActionDispatched, "operator:1", TransitionInput{})
	require.NoError(t, err)

	_, err = engine.Transition(context.Background(), ride.ID, ActionFinished, "operator:1", TransitionInput{})
	require.Error(t, err)

	assert.Equal(t, []string{"rides.created", "rides.dispatched"}, bus.subjects)
}
