package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Driver is the directory profile of a driver
type Driver struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Region string `json:"region,omitempty"`
}

// DriverDirectory answers who can be offered a ride
type DriverDirectory interface {
	// ListActive returns the drivers currently available in region
	ListActive(ctx context.Context, region string) ([]string, error)
	Driver(ctx context.Context, driverID string) (Driver, bool, error)
	// CurrentLock returns the active lock the driver holds or, failing that,
	// the ride the driver is assigned to as a lock with zero times
	CurrentLock(ctx context.Context, driverID string) (Lock, bool, error)
}

// AssignmentRecorder tracks which ride each driver is bound to between
// confirmation and the end of the trip
type AssignmentRecorder interface {
	Assign(ctx context.Context, driverID string, rideID uuid.UUID) error
	// Unassign clears whichever driver is bound to rideID
	Unassign(ctx context.Context, rideID uuid.UUID) error
}

// MemoryDirectory is an in-process DriverDirectory. Lock state comes from
// the lock store so both views agree.
type MemoryDirectory struct {
	mu       sync.RWMutex
	drivers  map[string]Driver
	active   map[string]map[string]struct{}
	assigned map[string]uuid.UUID
	byRide   map[uuid.UUID]string
	locks    LockStore
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory(locks LockStore) *MemoryDirectory {
	return &MemoryDirectory{
		drivers:  make(map[string]Driver),
		active:   make(map[string]map[string]struct{}),
		assigned: make(map[string]uuid.UUID),
		byRide:   make(map[uuid.UUID]string),
		locks:    locks,
	}
}

// Register stores the profile and marks the driver active in its region
func (d *MemoryDirectory) Register(driver Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.drivers[driver.ID]; ok && prev.Region != driver.Region {
		delete(d.active[prev.Region], driver.ID)
	}
	d.drivers[driver.ID] = driver
	if d.active[driver.Region] == nil {
		d.active[driver.Region] = make(map[string]struct{})
	}
	d.active[driver.Region][driver.ID] = struct{}{}
}

// SetInactive removes the driver from its region's active set
func (d *MemoryDirectory) SetInactive(driverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if driver, ok := d.drivers[driverID]; ok {
		delete(d.active[driver.Region], driverID)
	}
}

func (d *MemoryDirectory) ListActive(ctx context.Context, region string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.active[region]))
	for id := range d.active[region] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *MemoryDirectory) Driver(ctx context.Context, driverID string) (Driver, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	driver, ok := d.drivers[driverID]
	return driver, ok, nil
}

func (d *MemoryDirectory) Assign(ctx context.Context, driverID string, rideID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.byRide[rideID]; ok && prev != driverID {
		delete(d.assigned, prev)
	}
	d.assigned[driverID] = rideID
	d.byRide[rideID] = driverID
	return nil
}

func (d *MemoryDirectory) Unassign(ctx context.Context, rideID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	driverID, ok := d.byRide[rideID]
	if !ok {
		return nil
	}
	delete(d.byRide, rideID)
	if d.assigned[driverID] == rideID {
		delete(d.assigned, driverID)
	}
	return nil
}

func (d *MemoryDirectory) CurrentLock(ctx context.Context, driverID string) (Lock, bool, error) {
	lock, held, err := d.locks.ForDriver(ctx, driverID)
	if err != nil || held {
		return lock, held, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	rideID, ok := d.assigned[driverID]
	if !ok {
		return Lock{}, false, nil
	}
	return Lock{RideID: rideID, DriverID: driverID}, true, nil
}
