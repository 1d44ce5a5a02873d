package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/rides"
)

// Lock is a driver's short-lived claim on a ride
type Lock struct {
	RideID     uuid.UUID `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TTL is the lifetime the lock was granted with
func (l Lock) TTL() time.Duration {
	return l.ExpiresAt.Sub(l.AcquiredAt)
}

// ActiveAt reports whether the lock is still held at now
func (l Lock) ActiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// State is the copy stored on the ride while it is locked
func (l Lock) State() *rides.LockState {
	return &rides.LockState{DriverID: l.DriverID, AcquiredAt: l.AcquiredAt, ExpiresAt: l.ExpiresAt}
}

// LockStore holds at most one active lock per ride and one per driver.
//
// Acquire grants lock when neither the ride nor the driver holds an active
// one. If the same driver already holds the ride it returns the existing lock
// with created false. Another driver on the ride yields rides.ErrAlreadyLocked,
// the driver holding a different ride yields rides.ErrDriverBusy. Expired locks
// are treated as absent everywhere.
type LockStore interface {
	Acquire(ctx context.Context, lock Lock) (held Lock, created bool, err error)
	Get(ctx context.Context, rideID uuid.UUID) (Lock, bool, error)
	ForDriver(ctx context.Context, driverID string) (Lock, bool, error)
	// Release drops the ride lock if driverID holds it. It reports false when
	// there was nothing to release and rides.ErrAlreadyLocked when another
	// driver holds it.
	Release(ctx context.Context, rideID uuid.UUID, driverID string) (bool, error)
}
