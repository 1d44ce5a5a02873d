package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideLifecycleData is emitted after every committed ride transition.
type RideLifecycleData struct {
	RideID      uuid.UUID `json:"ride_id"`
	RideNumber  int64     `json:"ride_number"`
	Action      string    `json:"action"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	PerformedBy string    `json:"performed_by"`
	DriverID    string    `json:"driver_id,omitempty"`
	Version     int64     `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// RideOfferData is delivered to a single driver's offer inbox.
type RideOfferData struct {
	RideID         uuid.UUID `json:"ride_id"`
	RideNumber     int64     `json:"ride_number"`
	PickupAddress  string    `json:"pickup_address"`
	PickupLat      float64   `json:"pickup_lat"`
	PickupLng      float64   `json:"pickup_lng"`
	DropoffAddress string    `json:"dropoff_address"`
	Price          float64   `json:"price"`
	ExpiresAt      time.Time `json:"expires_at"`
}
