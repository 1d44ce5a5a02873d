package rides

import (
	"context"
	"time"

	"github.com/richxcame/ride-dispatch/pkg/eventbus"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"go.uber.org/zap"
)

const eventSource = "ride-dispatch"

// EventPublisher emits one lifecycle event per committed change
type EventPublisher struct {
	bus     eventbus.Publisher
	timeout time.Duration
}

// NewEventPublisher creates a Notifier backed by the event bus
func NewEventPublisher(bus eventbus.Publisher) *EventPublisher {
	return &EventPublisher{bus: bus, timeout: 2 * time.Second}
}

// RideChanged publishes the changes. Failures are logged and dropped.
func (p *EventPublisher) RideChanged(ctx context.Context, ride *Ride, changes []Change) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	driverID := ""
	if ride.Driver != nil {
		driverID = ride.Driver.ID
	}

	for _, c := range changes {
		data := eventbus.RideLifecycleData{
			RideID:      ride.ID,
			RideNumber:  ride.Number,
			Action:      string(c.Action),
			FromStatus:  string(c.From),
			ToStatus:    string(c.To),
			PerformedBy: c.Actor,
			DriverID:    driverID,
			Version:     ride.Version,
			OccurredAt:  c.At,
		}

		subject := eventbus.RideSubject(string(c.Action))
		event, err := eventbus.NewEvent(subject, eventSource, data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build ride event", zap.Error(err))
			continue
		}
		if err := p.bus.Publish(ctx, subject, event); err != nil {
			logger.WarnContext(ctx, "failed to publish ride event",
				zap.String("ride_id", ride.ID.String()),
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}
}
