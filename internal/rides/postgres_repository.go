package rides

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/richxcame/ride-dispatch/pkg/database"
)

// PostgresRepository stores each ride as a JSONB document next to the columns
// needed for lookups and the version used for conditional updates.
type PostgresRepository struct {
	db database.Querier
}

// NewPostgresRepository creates a new rides repository
func NewPostgresRepository(db database.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const (
	selectRideQuery = `SELECT version, document FROM rides WHERE id = $1`

	insertRideQuery = `
		INSERT INTO rides (id, number, status, version, is_template, next_occurrence_at, document, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	updateRideQuery = `
		UPDATE rides
		SET status = $2, version = version + 1, is_template = $3,
		    next_occurrence_at = $4, document = $5, updated_at = $6
		WHERE id = $1 AND version = $7
	`

	listByStatusQuery = `
		SELECT version, document FROM rides
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`

	listDueTemplatesQuery = `
		SELECT version, document FROM rides
		WHERE is_template AND next_occurrence_at IS NOT NULL AND next_occurrence_at <= $1
		  AND status NOT IN ('finished', 'cancelled')
		ORDER BY next_occurrence_at
		LIMIT $2
	`
)

// Get loads a ride by id
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Ride, error) {
	ride, err := database.RetryableQueryRow(ctx, r.db, "rides_get", selectRideQuery, []any{id}, scanRide)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return ride, nil
}

// Save inserts or conditionally updates the ride document
func (r *PostgresRepository) Save(ctx context.Context, ride *Ride, expectedVersion int64) error {
	doc, err := json.Marshal(ride)
	if err != nil {
		return fmt.Errorf("failed to encode ride: %w", err)
	}

	var nextAt *time.Time
	if ride.Recurring != nil && !ride.Recurring.Inert() {
		at := ride.Recurring.NextOccurrence
		nextAt = &at
	}

	if expectedVersion == 0 {
		tag, err := database.RetryableExec(ctx, r.db, "rides_insert", insertRideQuery,
			ride.ID, ride.Number, string(ride.Status), ride.IsTemplate(), nextAt, doc, ride.CreatedAt, ride.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return ErrVersionConflict
			}
			return fmt.Errorf("failed to insert ride: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		ride.Version = 1
		return nil
	}

	tag, err := database.RetryableExec(ctx, r.db, "rides_update", updateRideQuery,
		ride.ID, string(ride.Status), ride.IsTemplate(), nextAt, doc, ride.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	ride.Version = expectedVersion + 1
	return nil
}

// NextNumber draws from the ride number sequence
func (r *PostgresRepository) NextNumber(ctx context.Context) (int64, error) {
	n, err := database.RetryableQueryRow(ctx, r.db, "rides_next_number", `SELECT nextval('ride_number_seq')`, nil,
		func(row pgx.Row) (int64, error) {
			var n int64
			err := row.Scan(&n)
			return n, err
		})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ride number: %w", err)
	}
	return n, nil
}

// ListByStatus returns rides in status, oldest first
func (r *PostgresRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	return r.list(ctx, listByStatusQuery, string(status), limitOrAll(limit))
}

// ListDueTemplates returns templates whose next occurrence is at or before asOf
func (r *PostgresRepository) ListDueTemplates(ctx context.Context, asOf time.Time, limit int) ([]*Ride, error) {
	rides, err := r.list(ctx, listDueTemplatesQuery, asOf, limitOrAll(limit))
	if err != nil {
		return nil, err
	}

	due := rides[:0]
	for _, ride := range rides {
		if ride.Recurring != nil && ride.Recurring.Due(asOf) {
			due = append(due, ride)
		}
	}
	return due, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*Ride, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	rides := make([]*Ride, 0)
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	return rides, nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var (
		version int64
		doc     []byte
	)
	if err := row.Scan(&version, &doc); err != nil {
		return nil, err
	}

	var ride Ride
	if err := json.Unmarshal(doc, &ride); err != nil {
		return nil, fmt.Errorf("failed to decode ride document: %w", err)
	}
	ride.Version = version
	return &ride, nil
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
