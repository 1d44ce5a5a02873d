package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/richxcame/ride-dispatch/pkg/resilience"
)

// RetryConfig retries transient Redis failures with short backoffs
func RetryConfig() resilience.RetryConfig {
	config := resilience.DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialBackoff = 20 * time.Millisecond
	config.MaxBackoff = 500 * time.Millisecond
	config.RetryableChecker = IsRetryable
	return config
}

// RetryableOperation executes a Redis operation with retry logic for transient failures
func RetryableOperation[T any](ctx context.Context, operation func(context.Context) (T, error), operationName string) (T, error) {
	return resilience.RetryWithName(ctx, RetryConfig(), operation, operationName)
}

// IsRetryable reports whether a Redis error is transient.
// redis.Nil and script-level errors are never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	for _, msg := range []string{
		"wrongtype",
		"err syntax",
		"err invalid",
		"noauth",
		"wrongpass",
		"noperm",
		"err unknown",
		"err error running script",
	} {
		if strings.Contains(errMsg, msg) {
			return false
		}
	}

	for _, msg := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"pool timeout",
		"loading",
		"busy",
		"tryagain",
		"clusterdown",
	} {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
