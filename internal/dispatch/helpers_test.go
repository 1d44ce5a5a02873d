package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, time.October, 13, 14, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type offerCall struct {
	ride    RideSummary
	drivers []string
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	calls  []offerCall
	failed map[string]error
}

func (b *fakeBroadcaster) Offer(ctx context.Context, ride RideSummary, driverIDs []string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, offerCall{ride: ride, drivers: append([]string(nil), driverIDs...)})
	out := make([]Delivery, 0, len(driverIDs))
	for _, id := range driverIDs {
		out = append(out, Delivery{DriverID: id, Err: b.failed[id]})
	}
	return out
}

func (b *fakeBroadcaster) lastCall() offerCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return offerCall{}
	}
	return b.calls[len(b.calls)-1]
}

type fixture struct {
	coord       *Coordinator
	engine      *rides.Engine
	locks       *MemoryLockStore
	directory   *MemoryDirectory
	broadcaster *fakeBroadcaster
	clock       *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: t0}
	settings := pricing.NewFixedSettings(pricing.Settings{
		Rates: pricing.Rates{
			BaseFare:          15,
			PerKm:             3,
			Night:             pricing.NightWindow{Start: "22:00", End: "06:00"},
			NightSurchargePct: 25,
			Currency:          "USD",
		},
		Timezone:      "UTC",
		DefaultRegion: "center",
		OfferTTL:      time.Minute,
	})

	f := &fixture{
		locks:       NewMemoryLockStore(clock.Now),
		broadcaster: &fakeBroadcaster{failed: map[string]error{}},
		clock:       clock,
	}
	f.directory = NewMemoryDirectory(f.locks)
	f.directory.Register(Driver{ID: "driver-a", Name: "Merdan", Phone: "+99365111111", Region: "center"})
	f.directory.Register(Driver{ID: "driver-b", Name: "Aman", Phone: "+99365222222", Region: "center"})
	f.directory.Register(Driver{ID: "driver-c", Name: "Serdar", Region: "north"})

	f.engine = rides.NewEngine(rides.NewMemoryRepository(), settings,
		rides.WithClock(clock.Now),
		rides.WithNotifier(NewRideTracker(f.locks, f.directory)),
	)

	f.coord = NewCoordinator(f.engine, f.locks, f.directory, f.broadcaster, settings, WithClock(clock.Now))
	return f
}

func (f *fixture) createRide(t *testing.T) *rides.Ride {
	t.Helper()
	ride, err := f.engine.Create(context.Background(), rides.CreateRequest{
		Customer:    rides.Customer{Name: "Aylar", Phone: "+99365000001"},
		Pickup:      rides.Place{Address: "Bitarap Turkmenistan 12", Lat: 37.95, Lng: 58.38},
		Destination: rides.Place{Address: "Airport", Lat: 37.99, Lng: 58.36},
		Trip:        pricing.TripFacts{DistanceKm: 10},
		CreatedBy:   "operator:1",
	})
	require.NoError(t, err)
	return ride
}

// sentRide creates a ride and offers it to driver-a and driver-b
func (f *fixture) sentRide(t *testing.T) *rides.Ride {
	t.Helper()
	ride := f.createRide(t)
	result, err := f.coord.Offer(context.Background(), ride.ID, []string{"driver-a", "driver-b"}, 0)
	require.NoError(t, err)
	require.Equal(t, rides.StatusSent, result.Ride.Status)
	return result.Ride
}

func historyOf(ride *rides.Ride) ([]rides.Action, []string) {
	actions := make([]rides.Action, 0, len(ride.ActionHistory))
	actors := make([]string, 0, len(ride.ActionHistory))
	for _, e := range ride.ActionHistory {
		actions = append(actions, e.Action)
		actors = append(actors, e.PerformedBy)
	}
	return actions, actors
}
