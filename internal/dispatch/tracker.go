package dispatch

import (
	"context"
	"errors"

	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"go.uber.org/zap"
)

// RideTracker keeps dispatch state in step with committed ride changes.
// A cancelled ride gives up its store lock, and assignments are recorded on
// confirmation and cleared when the ride is redispatched, cancelled or
// finished. Register it on the engine with rides.WithNotifier.
type RideTracker struct {
	locks       LockStore
	assignments AssignmentRecorder
}

// NewRideTracker creates a tracker. assignments may be nil.
func NewRideTracker(locks LockStore, assignments AssignmentRecorder) *RideTracker {
	return &RideTracker{locks: locks, assignments: assignments}
}

func (t *RideTracker) RideChanged(ctx context.Context, ride *rides.Ride, changes []rides.Change) {
	ctx = logger.ContextWithRideID(context.WithoutCancel(ctx), ride.ID.String())

	for _, change := range changes {
		switch change.Action {
		case rides.ActionAssigned:
			if ride.Driver != nil {
				t.assign(ctx, ride, ride.Driver.ID)
			}
		case rides.ActionCancelled:
			t.releaseLock(ctx, ride)
			t.unassign(ctx, ride)
		case rides.ActionRedispatched, rides.ActionFinished:
			t.unassign(ctx, ride)
		}
	}
}

func (t *RideTracker) releaseLock(ctx context.Context, ride *rides.Ride) {
	lock, held, err := t.locks.Get(ctx, ride.ID)
	if err != nil {
		logger.WarnContext(ctx, "failed to read lock of cancelled ride", zap.Error(err))
		return
	}
	if !held {
		return
	}
	if _, err := t.locks.Release(ctx, ride.ID, lock.DriverID); err != nil && !errors.Is(err, rides.ErrAlreadyLocked) {
		logger.WarnContext(ctx, "failed to release lock of cancelled ride", zap.String("driver_id", lock.DriverID), zap.Error(err))
		return
	}
	logger.InfoContext(ctx, "released lock of cancelled ride", zap.String("driver_id", lock.DriverID))
}

func (t *RideTracker) assign(ctx context.Context, ride *rides.Ride, driverID string) {
	if t.assignments == nil {
		return
	}
	if err := t.assignments.Assign(ctx, driverID, ride.ID); err != nil {
		logger.WarnContext(ctx, "failed to record assignment", zap.String("driver_id", driverID), zap.Error(err))
	}
}

func (t *RideTracker) unassign(ctx context.Context, ride *rides.Ride) {
	if t.assignments == nil {
		return
	}
	if err := t.assignments.Unassign(ctx, ride.ID); err != nil {
		logger.WarnContext(ctx, "failed to clear assignment", zap.Error(err))
	}
}
