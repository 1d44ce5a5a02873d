package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richxcame/ride-dispatch/pkg/resilience"
)

// TransientRetryConfig retries connection-level and serialization failures only
func TransientRetryConfig() resilience.RetryConfig {
	config := resilience.DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialBackoff = 50 * time.Millisecond
	config.MaxBackoff = time.Second
	config.RetryableChecker = IsRetryable
	return config
}

// RetryableQueryRow executes a single-row query with retry logic for transient failures
func RetryableQueryRow[T any](ctx context.Context, db Querier, name, query string, args []any, scan func(pgx.Row) (T, error)) (T, error) {
	return resilience.RetryWithName(ctx, TransientRetryConfig(), func(ctx context.Context) (T, error) {
		return scan(db.QueryRow(ctx, query, args...))
	}, name)
}

// RetryableExec executes a command with retry logic for transient failures
func RetryableExec(ctx context.Context, db Querier, name, query string, args ...any) (pgconn.CommandTag, error) {
	return resilience.RetryWithName(ctx, TransientRetryConfig(), func(ctx context.Context) (pgconn.CommandTag, error) {
		return db.Exec(ctx, query, args...)
	}, name)
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsRetryable determines if a PostgreSQL error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01",                   // deadlock_detected
			"55P03",                   // lock_not_available
			"53300",                   // too_many_connections
			"08000", "08003", "08006", // connection_exception
			"57P01", "57P03":          // admin_shutdown, cannot_connect_now
			return true
		default:
			return false
		}
	}

	errMsg := strings.ToLower(err.Error())
	for _, msg := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"server closed",
		"unexpected eof",
	} {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
