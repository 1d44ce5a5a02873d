package rides

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists rides with optimistic concurrency.
//
// Save with expectedVersion 0 inserts; any other value updates only if the
// stored version matches. A mismatch, or an insert over an existing id,
// returns ErrVersionConflict. On success ride.Version holds the new version.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Ride, error)
	Save(ctx context.Context, ride *Ride, expectedVersion int64) error
	NextNumber(ctx context.Context) (int64, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error)
	ListDueTemplates(ctx context.Context, asOf time.Time, limit int) ([]*Ride, error)
}
