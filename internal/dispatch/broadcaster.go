package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/richxcame/ride-dispatch/pkg/eventbus"
)

// EventTypeRideOffer is the event type delivered to driver inboxes
const EventTypeRideOffer = "ride.offer"

// RideSummary is what a driver sees in an offer
type RideSummary struct {
	RideID      uuid.UUID
	Number      int64
	Pickup      rides.Place
	Destination rides.Place
	Price       float64
	ExpiresAt   time.Time
}

// Delivery is the outcome of offering a ride to one driver
type Delivery struct {
	DriverID string
	Err      error
}

// Delivered reports whether the offer reached the driver
func (d Delivery) Delivered() bool {
	return d.Err == nil
}

// Broadcaster pushes offers to drivers. It reports per driver and never fails as a whole.
type Broadcaster interface {
	Offer(ctx context.Context, ride RideSummary, driverIDs []string) []Delivery
}

// EventBroadcaster publishes one offer message per driver on the event bus
type EventBroadcaster struct {
	bus     eventbus.Publisher
	timeout time.Duration
}

// NewEventBroadcaster creates a Broadcaster on top of the event bus
func NewEventBroadcaster(bus eventbus.Publisher) *EventBroadcaster {
	return &EventBroadcaster{bus: bus, timeout: 2 * time.Second}
}

func (b *EventBroadcaster) Offer(ctx context.Context, ride RideSummary, driverIDs []string) []Delivery {
	data := eventbus.RideOfferData{
		RideID:         ride.RideID,
		RideNumber:     ride.Number,
		PickupAddress:  ride.Pickup.Address,
		PickupLat:      ride.Pickup.Lat,
		PickupLng:      ride.Pickup.Lng,
		DropoffAddress: ride.Destination.Address,
		Price:          ride.Price,
		ExpiresAt:      ride.ExpiresAt,
	}

	deliveries := make([]Delivery, 0, len(driverIDs))
	for _, driverID := range driverIDs {
		deliveries = append(deliveries, Delivery{DriverID: driverID, Err: b.publish(ctx, driverID, data)})
	}
	return deliveries
}

func (b *EventBroadcaster) publish(ctx context.Context, driverID string, data eventbus.RideOfferData) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	event, err := eventbus.NewEvent(EventTypeRideOffer, eventSource, data)
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, eventbus.DriverOffersSubject(driverID), event); err != nil {
		return fmt.Errorf("offer to %s: %w", driverID, err)
	}
	return nil
}
