package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/rides"
)

// MemoryLockStore is a process-local LockStore. A single mutex makes the
// ride and driver checks one atomic step.
type MemoryLockStore struct {
	mu       sync.Mutex
	byRide   map[uuid.UUID]Lock
	byDriver map[string]uuid.UUID
	now      func() time.Time
}

// NewMemoryLockStore creates an empty store. now defaults to time.Now.
func NewMemoryLockStore(now func() time.Time) *MemoryLockStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryLockStore{
		byRide:   make(map[uuid.UUID]Lock),
		byDriver: make(map[string]uuid.UUID),
		now:      now,
	}
}

func (s *MemoryLockStore) Acquire(ctx context.Context, lock Lock) (Lock, bool, error) {
	if lock.DriverID == "" || lock.TTL() <= 0 {
		return Lock{}, false, fmt.Errorf("%w: lock needs a driver and a positive ttl", rides.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if held, ok := s.active(lock.RideID, now); ok {
		if held.DriverID == lock.DriverID {
			return held, false, nil
		}
		return Lock{}, false, fmt.Errorf("%w: ride %s held by %s", rides.ErrAlreadyLocked, lock.RideID, held.DriverID)
	}
	if rideID, ok := s.byDriver[lock.DriverID]; ok && rideID != lock.RideID {
		if _, active := s.active(rideID, now); active {
			return Lock{}, false, fmt.Errorf("%w: driver %s holds ride %s", rides.ErrDriverBusy, lock.DriverID, rideID)
		}
	}

	s.byRide[lock.RideID] = lock
	s.byDriver[lock.DriverID] = lock.RideID
	return lock, true, nil
}

func (s *MemoryLockStore) Get(ctx context.Context, rideID uuid.UUID) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.active(rideID, s.now())
	return lock, ok, nil
}

func (s *MemoryLockStore) ForDriver(ctx context.Context, driverID string) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rideID, ok := s.byDriver[driverID]
	if !ok {
		return Lock{}, false, nil
	}
	lock, ok := s.active(rideID, s.now())
	if !ok || lock.DriverID != driverID {
		return Lock{}, false, nil
	}
	return lock, true, nil
}

func (s *MemoryLockStore) Release(ctx context.Context, rideID uuid.UUID, driverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.active(rideID, s.now())
	if !ok {
		return false, nil
	}
	if lock.DriverID != driverID {
		return false, fmt.Errorf("%w: ride %s held by %s", rides.ErrAlreadyLocked, rideID, lock.DriverID)
	}
	delete(s.byRide, rideID)
	if s.byDriver[driverID] == rideID {
		delete(s.byDriver, driverID)
	}
	return true, nil
}

// active returns the live lock on rideID, dropping it if it has expired.
// Callers hold s.mu.
func (s *MemoryLockStore) active(rideID uuid.UUID, now time.Time) (Lock, bool) {
	lock, ok := s.byRide[rideID]
	if !ok {
		return Lock{}, false
	}
	if !lock.ActiveAt(now) {
		delete(s.byRide, rideID)
		if s.byDriver[lock.DriverID] == rideID {
			delete(s.byDriver, lock.DriverID)
		}
		return Lock{}, false
	}
	return lock, true
}
