package rides

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. Rides are copied on the way
// in and out so callers never share state with the store.
type MemoryRepository struct {
	mu     sync.RWMutex
	rides  map[uuid.UUID]*Ride
	number int64
}

// NewMemoryRepository creates an empty repository. Numbers start at 1000.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rides:  make(map[uuid.UUID]*Ride),
		number: 999,
	}
}

// Get returns a copy of the stored ride
func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Ride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ride, ok := r.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ride.Clone(), nil
}

// Save stores a copy of ride if expectedVersion matches
func (r *MemoryRepository) Save(ctx context.Context, ride *Ride, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.rides[ride.ID]
	switch {
	case expectedVersion == 0 && exists:
		return ErrVersionConflict
	case expectedVersion != 0 && !exists:
		return ErrVersionConflict
	case exists && current.Version != expectedVersion:
		return ErrVersionConflict
	}

	stored := ride.Clone()
	stored.Version = expectedVersion + 1
	r.rides[ride.ID] = stored
	ride.Version = stored.Version
	return nil
}

// NextNumber returns the next ride number
func (r *MemoryRepository) NextNumber(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.number++
	return r.number, nil
}

// ListByStatus returns rides in status, oldest first
func (r *MemoryRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	return r.list(limit, func(ride *Ride) bool { return ride.Status == status }, func(a, b *Ride) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

// ListDueTemplates returns templates due at asOf, earliest occurrence first
func (r *MemoryRepository) ListDueTemplates(ctx context.Context, asOf time.Time, limit int) ([]*Ride, error) {
	return r.list(limit, func(ride *Ride) bool {
		return ride.Recurring != nil && !ride.Status.IsTerminal() && ride.Recurring.Due(asOf)
	}, func(a, b *Ride) bool {
		return a.Recurring.NextOccurrence.Before(b.Recurring.NextOccurrence)
	}), nil
}

func (r *MemoryRepository) list(limit int, match func(*Ride) bool, less func(a, b *Ride) bool) []*Ride {
	r.mu.RLock()
	out := make([]*Ride, 0)
	for _, ride := range r.rides {
		if match(ride) {
			out = append(out, ride.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
