package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/richxcame/ride-dispatch/internal/rides"
	redisclient "github.com/richxcame/ride-dispatch/pkg/redis"
)

const (
	rideLockKeyPrefix   = "dispatch:lock:ride:"
	driverLockKeyPrefix = "dispatch:lock:driver:"
)

// KEYS: ride hash, driver key. ARGV: driver id, ride id, acquired ms, expires ms, ttl ms.
// Returns {code, a, b}: 1 created, 0 already held by the driver, -1 ride held
// by another driver, -2 driver busy on another ride.
const acquireLockScript = `
local holder = redis.call("HGET", KEYS[1], "driver_id")
if holder then
    if holder == ARGV[1] then
        return {0, redis.call("HGET", KEYS[1], "acquired_at"), redis.call("HGET", KEYS[1], "expires_at")}
    end
    return {-1, holder, ""}
end

local busy = redis.call("GET", KEYS[2])
if busy and busy ~= ARGV[2] then
    return {-2, busy, ""}
end

redis.call("HSET", KEYS[1], "driver_id", ARGV[1], "acquired_at", ARGV[3], "expires_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[5])
return {1, ARGV[3], ARGV[4]}
`

// KEYS: ride hash, driver key. ARGV: driver id, ride id.
const releaseLockScript = `
local holder = redis.call("HGET", KEYS[1], "driver_id")
if not holder then
    return 0
end
if holder ~= ARGV[1] then
    return -1
end

redis.call("DEL", KEYS[1])
if redis.call("GET", KEYS[2]) == ARGV[2] then
    redis.call("DEL", KEYS[2])
end
return 1
`

// RedisLockStore keeps locks in Redis so every dispatch instance sees the
// same claims. Expiry is delegated to key TTLs.
type RedisLockStore struct {
	client  redis.Cmdable
	acquire *redis.Script
	release *redis.Script
}

// NewRedisLockStore creates a Redis-backed lock store
func NewRedisLockStore(client redis.Cmdable) *RedisLockStore {
	return &RedisLockStore{
		client:  client,
		acquire: redis.NewScript(acquireLockScript),
		release: redis.NewScript(releaseLockScript),
	}
}

func rideLockKey(rideID uuid.UUID) string {
	return rideLockKeyPrefix + rideID.String()
}

func driverLockKey(driverID string) string {
	return driverLockKeyPrefix + driverID
}

func (s *RedisLockStore) Acquire(ctx context.Context, lock Lock) (Lock, bool, error) {
	ttl := lock.TTL().Milliseconds()
	if lock.DriverID == "" || ttl <= 0 {
		return Lock{}, false, fmt.Errorf("%w: lock needs a driver and a positive ttl", rides.ErrValidation)
	}

	keys := []string{rideLockKey(lock.RideID), driverLockKey(lock.DriverID)}
	values, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) ([]interface{}, error) {
		return s.acquire.Run(ctx, s.client, keys,
			lock.DriverID,
			lock.RideID.String(),
			strconv.FormatInt(lock.AcquiredAt.UnixMilli(), 10),
			strconv.FormatInt(lock.ExpiresAt.UnixMilli(), 10),
			ttl,
		).Slice()
	}, "dispatch_lock_acquire")
	if err != nil {
		return Lock{}, false, fmt.Errorf("failed to acquire ride lock: %w", err)
	}
	if len(values) != 3 {
		return Lock{}, false, errors.New("unexpected lock script response")
	}

	a, _ := values[1].(string)
	b, _ := values[2].(string)
	switch toInt64(values[0]) {
	case 1, 0:
		held := Lock{
			RideID:     lock.RideID,
			DriverID:   lock.DriverID,
			AcquiredAt: fromMillis(a),
			ExpiresAt:  fromMillis(b),
		}
		return held, toInt64(values[0]) == 1, nil
	case -1:
		return Lock{}, false, fmt.Errorf("%w: ride %s held by %s", rides.ErrAlreadyLocked, lock.RideID, a)
	case -2:
		return Lock{}, false, fmt.Errorf("%w: driver %s holds ride %s", rides.ErrDriverBusy, lock.DriverID, a)
	}
	return Lock{}, false, fmt.Errorf("unexpected lock script code %v", values[0])
}

func (s *RedisLockStore) Get(ctx context.Context, rideID uuid.UUID) (Lock, bool, error) {
	fields, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (map[string]string, error) {
		return s.client.HGetAll(ctx, rideLockKey(rideID)).Result()
	}, "dispatch_lock_get")
	if err != nil {
		return Lock{}, false, fmt.Errorf("failed to read ride lock: %w", err)
	}
	if fields["driver_id"] == "" {
		return Lock{}, false, nil
	}

	return Lock{
		RideID:     rideID,
		DriverID:   fields["driver_id"],
		AcquiredAt: fromMillis(fields["acquired_at"]),
		ExpiresAt:  fromMillis(fields["expires_at"]),
	}, true, nil
}

func (s *RedisLockStore) ForDriver(ctx context.Context, driverID string) (Lock, bool, error) {
	raw, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (string, error) {
		return s.client.Get(ctx, driverLockKey(driverID)).Result()
	}, "dispatch_lock_for_driver")
	if errors.Is(err, redis.Nil) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("failed to read driver lock: %w", err)
	}

	rideID, err := uuid.Parse(raw)
	if err != nil {
		return Lock{}, false, fmt.Errorf("malformed driver lock %q: %w", raw, err)
	}
	lock, ok, err := s.Get(ctx, rideID)
	if err != nil || !ok || lock.DriverID != driverID {
		return Lock{}, false, err
	}
	return lock, true, nil
}

func (s *RedisLockStore) Release(ctx context.Context, rideID uuid.UUID, driverID string) (bool, error) {
	keys := []string{rideLockKey(rideID), driverLockKey(driverID)}
	code, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (int64, error) {
		return s.release.Run(ctx, s.client, keys, driverID, rideID.String()).Int64()
	}, "dispatch_lock_release")
	if err != nil {
		return false, fmt.Errorf("failed to release ride lock: %w", err)
	}

	switch code {
	case 1:
		return true, nil
	case -1:
		return false, fmt.Errorf("%w: ride %s", rides.ErrAlreadyLocked, rideID)
	}
	return false, nil
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toInt64(value interface{}) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}
