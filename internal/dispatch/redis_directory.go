package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	redisclient "github.com/richxcame/ride-dispatch/pkg/redis"
)

const (
	activeDriversKeyPrefix    = "drivers:active:"
	driverProfileKeyPrefix    = "drivers:profile:"
	driverAssignmentKeyPrefix = "drivers:assignment:"
	rideAssignmentKeyPrefix   = "dispatch:assignment:ride:"
)

// KEYS: ride assignment key. ARGV: driver assignment key prefix, ride id.
const unassignScript = `
local driver = redis.call("GET", KEYS[1])
if not driver then
    return 0
end

redis.call("DEL", KEYS[1])
local key = ARGV[1] .. driver
if redis.call("GET", key) == ARGV[2] then
    redis.call("DEL", key)
end
return 1
`

// RedisDirectory reads driver availability maintained by the driver apps:
// a set of active driver IDs per region and a profile hash per driver.
// Assignments are kept in both directions so either side can be cleared.
type RedisDirectory struct {
	client   redis.Cmdable
	locks    LockStore
	unassign *redis.Script
}

// NewRedisDirectory creates a Redis-backed directory
func NewRedisDirectory(client redis.Cmdable, locks LockStore) *RedisDirectory {
	return &RedisDirectory{client: client, locks: locks, unassign: redis.NewScript(unassignScript)}
}

func driverAssignmentKey(driverID string) string {
	return driverAssignmentKeyPrefix + driverID
}

func rideAssignmentKey(rideID uuid.UUID) string {
	return rideAssignmentKeyPrefix + rideID.String()
}

func activeDriversKey(region string) string {
	return activeDriversKeyPrefix + region
}

func driverProfileKey(driverID string) string {
	return driverProfileKeyPrefix + driverID
}

// Register writes the profile and adds the driver to its region's active set
func (d *RedisDirectory) Register(ctx context.Context, driver Driver) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, driverProfileKey(driver.ID), "name", driver.Name, "phone", driver.Phone, "region", driver.Region)
		pipe.SAdd(ctx, activeDriversKey(driver.Region), driver.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register driver: %w", err)
	}
	return nil
}

// SetInactive removes the driver from the active set of region
func (d *RedisDirectory) SetInactive(ctx context.Context, region, driverID string) error {
	if err := d.client.SRem(ctx, activeDriversKey(region), driverID).Err(); err != nil {
		return fmt.Errorf("failed to deactivate driver: %w", err)
	}
	return nil
}

func (d *RedisDirectory) ListActive(ctx context.Context, region string) ([]string, error) {
	ids, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) ([]string, error) {
		return d.client.SMembers(ctx, activeDriversKey(region)).Result()
	}, "dispatch_list_active_drivers")
	if err != nil {
		return nil, fmt.Errorf("failed to list active drivers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *RedisDirectory) Driver(ctx context.Context, driverID string) (Driver, bool, error) {
	fields, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (map[string]string, error) {
		return d.client.HGetAll(ctx, driverProfileKey(driverID)).Result()
	}, "dispatch_get_driver")
	if err != nil {
		return Driver{}, false, fmt.Errorf("failed to load driver profile: %w", err)
	}
	if len(fields) == 0 {
		return Driver{}, false, nil
	}

	return Driver{
		ID:     driverID,
		Name:   fields["name"],
		Phone:  fields["phone"],
		Region: fields["region"],
	}, true, nil
}

func (d *RedisDirectory) Assign(ctx context.Context, driverID string, rideID uuid.UUID) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, driverAssignmentKey(driverID), rideID.String(), 0)
		pipe.Set(ctx, rideAssignmentKey(rideID), driverID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record assignment: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Unassign(ctx context.Context, rideID uuid.UUID) error {
	_, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (int64, error) {
		return d.unassign.Run(ctx, d.client, []string{rideAssignmentKey(rideID)}, driverAssignmentKeyPrefix, rideID.String()).Int64()
	}, "dispatch_unassign")
	if err != nil {
		return fmt.Errorf("failed to clear assignment: %w", err)
	}
	return nil
}

func (d *RedisDirectory) CurrentLock(ctx context.Context, driverID string) (Lock, bool, error) {
	lock, held, err := d.locks.ForDriver(ctx, driverID)
	if err != nil || held {
		return lock, held, err
	}

	raw, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (string, error) {
		return d.client.Get(ctx, driverAssignmentKey(driverID)).Result()
	}, "dispatch_get_assignment")
	if errors.Is(err, redis.Nil) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("failed to read driver assignment: %w", err)
	}

	rideID, err := uuid.Parse(raw)
	if err != nil {
		return Lock{}, false, fmt.Errorf("malformed driver assignment %q: %w", raw, err)
	}
	return Lock{RideID: rideID, DriverID: driverID}, true, nil
}
