package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLock(rideID uuid.UUID, driverID string, at time.Time) Lock {
	return Lock{RideID: rideID, DriverID: driverID, AcquiredAt: at, ExpiresAt: at.Add(time.Minute)}
}

func TestMemoryLockStore_Acquire(t *testing.T) {
	clock := &testClock{now: t0}
	store := NewMemoryLockStore(clock.Now)
	ctx := context.Background()
	rideID, otherRide := uuid.New(), uuid.New()

	held, created, err := store.Acquire(ctx, newLock(rideID, "driver-a", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "driver-a", held.DriverID)

	t.Run("same driver gets the existing lock", func(t *testing.T) {
		again, created, err := store.Acquire(ctx, newLock(rideID, "driver-a", t0.Add(10*time.Second)))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, held, again)
	})

	t.Run("another driver is rejected", func(t *testing.T) {
		_, _, err := store.Acquire(ctx, newLock(rideID, "driver-b", t0))
		assert.ErrorIs(t, err, rides.ErrAlreadyLocked)
	})

	t.Run("driver cannot hold two rides", func(t *testing.T) {
		_, _, err := store.Acquire(ctx, newLock(otherRide, "driver-a", t0))
		assert.ErrorIs(t, err, rides.ErrDriverBusy)
	})

	t.Run("invalid lock", func(t *testing.T) {
		_, _, err := store.Acquire(ctx, Lock{RideID: otherRide, DriverID: "driver-b", AcquiredAt: t0, ExpiresAt: t0})
		assert.ErrorIs(t, err, rides.ErrValidation)
		_, _, err = store.Acquire(ctx, newLock(otherRide, "", t0))
		assert.ErrorIs(t, err, rides.ErrValidation)
	})
}

func TestMemoryLockStore_Expiry(t *testing.T) {
	clock := &testClock{now: t0}
	store := NewMemoryLockStore(clock.Now)
	ctx := context.Background()
	rideID := uuid.New()

	_, _, err := store.Acquire(ctx, newLock(rideID, "driver-a", t0))
	require.NoError(t, err)

	clock.Advance(time.Minute)

	_, ok, err := store.Get(ctx, rideID)
	require.NoError(t, err)
	assert.False(t, ok, "a lock is gone at its expiry instant")

	_, ok, err = store.ForDriver(ctx, "driver-a")
	require.NoError(t, err)
	assert.False(t, ok)

	held, created, err := store.Acquire(ctx, newLock(rideID, "driver-b", clock.Now()))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "driver-b", held.DriverID)

	// driver-a is free again
	_, created, err = store.Acquire(ctx, newLock(uuid.New(), "driver-a", clock.Now()))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryLockStore_Release(t *testing.T) {
	store := NewMemoryLockStore(nil)
	ctx := context.Background()
	rideID := uuid.New()
	now := time.Now()

	released, err := store.Release(ctx, rideID, "driver-a")
	require.NoError(t, err)
	assert.False(t, released)

	_, _, err = store.Acquire(ctx, newLock(rideID, "driver-a", now))
	require.NoError(t, err)

	_, err = store.Release(ctx, rideID, "driver-b")
	assert.ErrorIs(t, err, rides.ErrAlreadyLocked)

	released, err = store.Release(ctx, rideID, "driver-a")
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err := store.ForDriver(ctx, "driver-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLockStore_ForDriver(t *testing.T) {
	store := NewMemoryLockStore(nil)
	ctx := context.Background()
	rideID := uuid.New()

	_, _, err := store.Acquire(ctx, newLock(rideID, "driver-a", time.Now()))
	require.NoError(t, err)

	lock, ok, err := store.ForDriver(ctx, "driver-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rideID, lock.RideID)

	_, ok, err = store.ForDriver(ctx, "driver-b")
	require.NoError(t, err)
	assert.False(t, ok)
}
