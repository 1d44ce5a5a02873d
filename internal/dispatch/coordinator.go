package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"github.com/richxcame/ride-dispatch/pkg/tracing"
	"go.uber.org/zap"
)

const (
	tracerName  = "dispatch-coordinator"
	eventSource = "ride-dispatch"

	// DefaultOfferTTL applies when neither the caller nor the settings set one
	DefaultOfferTTL = 60 * time.Second

	ActorDispatcher = rides.ActorSystem + "dispatcher"
	ActorLockExpiry = rides.ActorSystem + "lock-expiry"

	reasonLockExpired = "lock expired"
	reasonDeclined    = "declined"
)

// Lifecycle is the part of the ride engine the coordinator drives
type Lifecycle interface {
	Get(ctx context.Context, rideID uuid.UUID) (*rides.Ride, error)
	Apply(ctx context.Context, rideID uuid.UUID, plan rides.PlanFunc) (*rides.Ride, error)
	Offer(ctx context.Context, rideID uuid.UUID, actor string, offer rides.OfferState) (*rides.Ride, error)
	ListByStatus(ctx context.Context, status rides.Status, limit int) ([]*rides.Ride, error)
}

// OfferResult describes a broadcast
type OfferResult struct {
	Ride       *rides.Ride
	Candidates []string
	// Skipped holds candidates left out because they hold a lock on another ride.
	Skipped    []string
	Deliveries []Delivery
}

// Coordinator matches drivers to rides: offers, locks and confirmation
type Coordinator struct {
	rides       Lifecycle
	locks       LockStore
	drivers     DriverDirectory
	broadcaster Broadcaster
	settings    pricing.SettingsProvider
	now         func() time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a new dispatch coordinator
func NewCoordinator(lifecycle Lifecycle, locks LockStore, drivers DriverDirectory, broadcaster Broadcaster, settings pricing.SettingsProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		rides:       lifecycle,
		locks:       locks,
		drivers:     drivers,
		broadcaster: broadcaster,
		settings:    settings,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offer broadcasts the ride to candidates, moving it from created to sent.
// Offering a ride already in sent re-broadcasts it, and a ride whose lock ran
// out is redispatched first. With no candidates the active drivers of the
// ride's region are used.
func (c *Coordinator) Offer(ctx context.Context, rideID uuid.UUID, candidates []string, ttl time.Duration) (*OfferResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Offer")
	defer span.End()
	ctx = logger.ContextWithRideID(ctx, rideID.String())
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(rideID.String()))

	ride, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status == rides.StatusLocked && !ride.Lock.ActiveAt(c.now()) {
		if _, err := c.expire(ctx, ride.ID, ride.Lock.DriverID, "lazy"); err != nil {
			tracing.RecordError(ctx, err)
			return nil, err
		}
		if ride, err = c.rides.Get(ctx, rideID); err != nil {
			return nil, err
		}
	}

	result, err := c.offer(ctx, ride, candidates, ttl, "")
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return result, nil
}

// Acquire locks a sent ride for driverID. The driver must confirm before the
// lock expires.
func (c *Coordinator) Acquire(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Acquire")
	defer span.End()
	ctx = logger.ContextWithRideID(ctx, rideID.String())
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(rideID.String(), driverID, string(rides.ActionLocked))...)

	ride, err := c.acquire(ctx, rideID, driverID)
	observeLockOperation("acquire", err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return ride, nil
}

func (c *Coordinator) acquire(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error) {
	if err := requireDriver(driverID); err != nil {
		return nil, err
	}

	ride, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	switch {
	case ride.Status == rides.StatusLocked && ride.Lock.ActiveAt(now):
		if ride.Lock.DriverID == driverID {
			return ride, nil
		}
		return nil, alreadyLocked(ride.ID, ride.Lock.DriverID)
	case ride.Status != rides.StatusSent && ride.Status != rides.StatusLocked:
		_, err := rides.NextStatus(ride.ID, ride.Status, rides.ActionLocked)
		return nil, err
	}

	if err := c.ensureFree(ctx, ride.ID, driverID); err != nil {
		return nil, err
	}

	lock, created, err := c.takeLock(ctx, ride, driverID, now)
	if err != nil {
		return nil, err
	}

	expired := false
	updated, err := c.rides.Apply(ctx, rideID, func(current *rides.Ride) ([]rides.Step, error) {
		steps, err := lockSteps(current, driverID, lock, now)
		expired = len(steps) > 1
		return steps, err
	})
	if err != nil {
		if created {
			c.releaseQuietly(ctx, rideID, driverID)
		}
		return nil, err
	}
	if expired {
		lockExpiriesTotal.WithLabelValues("lazy").Inc()
	}

	logger.InfoContext(ctx, "ride lock acquired",
		zap.String("driver_id", driverID),
		zap.Time("expires_at", lock.ExpiresAt),
	)
	return updated, nil
}

// Confirm assigns the ride to driverID.
//
// A ride without an active lock is locked and assigned in one save. A ride
// locked by another driver fails with ErrAlreadyLocked, and confirming a ride
// already assigned to driverID succeeds without change. If driverID's own
// lock expired the ride is redispatched and ErrLockExpired is returned; the
// driver may confirm again.
func (c *Coordinator) Confirm(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Confirm")
	defer span.End()
	ctx = logger.ContextWithRideID(ctx, rideID.String())
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(rideID.String(), driverID, string(rides.ActionAssigned))...)

	ride, err := c.confirm(ctx, rideID, driverID)
	observeLockOperation("confirm", err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return ride, nil
}

func (c *Coordinator) confirm(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error) {
	if err := requireDriver(driverID); err != nil {
		return nil, err
	}

	ride, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	if ride.Driver != nil {
		if ride.Driver.ID == driverID {
			return ride, nil
		}
		return nil, alreadyLocked(ride.ID, ride.Driver.ID)
	}

	switch ride.Status {
	case rides.StatusSent:
	case rides.StatusLocked:
		active := ride.Lock.ActiveAt(now)
		holder := ride.Lock.DriverID
		if active && holder != driverID {
			return nil, alreadyLocked(ride.ID, holder)
		}
		if !active && holder == driverID {
			if _, err := c.expire(ctx, ride.ID, driverID, "lazy"); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: ride %s", rides.ErrLockExpired, ride.ID)
		}
	default:
		_, err := rides.NextStatus(ride.ID, ride.Status, rides.ActionAssigned)
		return nil, err
	}

	if err := c.ensureFree(ctx, ride.ID, driverID); err != nil {
		return nil, err
	}

	binding, err := c.binding(ctx, driverID)
	if err != nil {
		return nil, err
	}

	lock, created, err := c.takeLock(ctx, ride, driverID, now)
	if err != nil {
		return nil, err
	}

	expired := false
	updated, err := c.rides.Apply(ctx, rideID, func(current *rides.Ride) ([]rides.Step, error) {
		expired = false
		if current.Driver != nil {
			if current.Driver.ID == driverID {
				return nil, nil
			}
			return nil, alreadyLocked(current.ID, current.Driver.ID)
		}

		assign := rides.Step{Action: rides.ActionAssigned, Actor: driverID, Input: rides.TransitionInput{Driver: &binding}}
		if current.Status == rides.StatusLocked && current.Lock.DriverID == driverID {
			return []rides.Step{assign}, nil
		}
		steps, err := lockSteps(current, driverID, lock, now)
		if err != nil {
			return nil, err
		}
		expired = len(steps) > 1
		return append(steps, assign), nil
	})
	if err != nil {
		if created {
			c.releaseQuietly(ctx, rideID, driverID)
		}
		return nil, err
	}

	// The assignment is on the ride now; the lock has served its purpose.
	c.releaseQuietly(ctx, rideID, driverID)
	if expired {
		lockExpiriesTotal.WithLabelValues("lazy").Inc()
	}

	logger.InfoContext(ctx, "ride confirmed", zap.String("driver_id", driverID), zap.Bool("after_expiry", expired))
	return updated, nil
}

// Release is an explicit decline. A lock held by driverID is dropped and a
// ride it kept locked goes back to sent. Declining without a lock is a no-op,
// and a lock that already ran out is recorded as an expiry.
func (c *Coordinator) Release(ctx context.Context, rideID uuid.UUID, driverID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Release")
	defer span.End()
	ctx = logger.ContextWithRideID(ctx, rideID.String())

	err := c.release(ctx, rideID, driverID)
	observeLockOperation("release", err)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (c *Coordinator) release(ctx context.Context, rideID uuid.UUID, driverID string) error {
	if err := requireDriver(driverID); err != nil {
		return err
	}

	ride, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return err
	}

	lock, held, err := c.locks.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if held && lock.DriverID != driverID {
		return alreadyLocked(rideID, lock.DriverID)
	}

	if ride.Status == rides.StatusLocked && ride.Lock.DriverID == driverID && !ride.Lock.ActiveAt(c.now()) {
		_, err := c.expire(ctx, rideID, driverID, "lazy")
		return err
	}

	if ride.Status == rides.StatusLocked && ride.Lock.DriverID == driverID {
		_, err := c.rides.Apply(ctx, rideID, func(current *rides.Ride) ([]rides.Step, error) {
			if current.Status != rides.StatusLocked || current.Lock.DriverID != driverID {
				return nil, nil
			}
			return []rides.Step{{
				Action: rides.ActionRedispatched,
				Actor:  driverID,
				Input:  rides.TransitionInput{Reason: reasonDeclined},
			}}, nil
		})
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "ride declined", zap.String("driver_id", driverID))
	}

	if _, err := c.locks.Release(ctx, rideID, driverID); err != nil {
		return err
	}
	return nil
}

// Redispatch takes the ride away from its driver and offers it again to the
// previous candidates, except the driver it was taken from.
func (c *Coordinator) Redispatch(ctx context.Context, rideID uuid.UUID, actor, reason string) (*OfferResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Redispatch")
	defer span.End()
	ctx = logger.ContextWithRideID(ctx, rideID.String())

	ride, err := c.rides.Apply(ctx, rideID, func(*rides.Ride) ([]rides.Step, error) {
		return []rides.Step{{
			Action: rides.ActionRedispatched,
			Actor:  actor,
			Input:  rides.TransitionInput{Reason: reason},
		}}, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	previous := ""
	if d, ok := ride.LastAction().Details.(rides.RedispatchedDetails); ok {
		previous = d.PreviousDriverID
	}
	if previous != "" {
		c.releaseQuietly(ctx, rideID, previous)
	}

	var (
		candidates []string
		ttl        time.Duration
	)
	if ride.Offer != nil {
		ttl = ride.Offer.TTL
		for _, id := range ride.Offer.Candidates {
			if id != previous {
				candidates = append(candidates, id)
			}
		}
	}

	result, err := c.offer(ctx, ride, candidates, ttl, previous)
	if errors.Is(err, rides.ErrInvalidTransition) {
		// Someone took the ride before the re-offer went out.
		logger.InfoContext(ctx, "ride moved on before re-offer", zap.Error(err))
		return &OfferResult{Ride: ride}, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return result, nil
}

// Sweep redispatches every locked ride whose lock has expired.
// It returns how many rides were released.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Sweep")
	defer span.End()

	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	locked, err := c.rides.ListByStatus(ctx, rides.StatusLocked, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list locked rides: %w", err)
	}

	now := c.now()
	released := 0
	var errs []error
	for _, ride := range locked {
		if ride.Lock == nil || ride.Lock.ActiveAt(now) {
			continue
		}

		rideCtx := logger.ContextWithRideID(ctx, ride.ID.String())
		ok, err := c.expire(rideCtx, ride.ID, ride.Lock.DriverID, "sweep")
		if err != nil {
			logger.WarnContext(rideCtx, "failed to release expired lock", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

func (c *Coordinator) offer(ctx context.Context, ride *rides.Ride, requested []string, ttl time.Duration, exclude string) (*OfferResult, error) {
	ttl, err := c.offerTTL(ctx, ttl)
	if err != nil {
		return nil, err
	}

	candidates, skipped, err := c.candidates(ctx, ride, requested, exclude)
	if err != nil {
		return nil, err
	}

	now := c.now()
	updated, err := c.rides.Offer(ctx, ride.ID, ActorDispatcher, rides.OfferState{
		Candidates: candidates,
		TTL:        ttl,
		OfferedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	deliveries := c.broadcaster.Offer(ctx, RideSummary{
		RideID:      updated.ID,
		Number:      updated.Number,
		Pickup:      updated.Pickup,
		Destination: updated.Destination,
		Price:       updated.Price,
		ExpiresAt:   now.Add(ttl),
	}, candidates)

	for _, d := range deliveries {
		if d.Delivered() {
			offerDeliveriesTotal.WithLabelValues("delivered").Inc()
			continue
		}
		offerDeliveriesTotal.WithLabelValues("failed").Inc()
		logger.WarnContext(ctx, "offer delivery failed", zap.String("driver_id", d.DriverID), zap.Error(d.Err))
	}

	logger.InfoContext(ctx, "ride offered",
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped", len(skipped)),
		zap.Duration("ttl", ttl),
	)
	return &OfferResult{Ride: updated, Candidates: candidates, Skipped: skipped, Deliveries: deliveries}, nil
}

// candidates dedupes the requested drivers, or the region's active drivers
// when none are given, and drops those locked on another ride.
func (c *Coordinator) candidates(ctx context.Context, ride *rides.Ride, requested []string, exclude string) ([]string, []string, error) {
	if len(requested) == 0 {
		active, err := c.drivers.ListActive(ctx, ride.Region)
		if err != nil {
			return nil, nil, err
		}
		requested = active
	}

	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	skipped := make([]string, 0)
	for _, id := range requested {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		lock, held, err := c.drivers.CurrentLock(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if held && lock.RideID != ride.ID {
			skipped = append(skipped, id)
			offerCandidatesSkippedTotal.Inc()
			continue
		}
		out = append(out, id)
	}
	return out, skipped, nil
}

// expire redispatches rideID if holder's lock on it has run out
func (c *Coordinator) expire(ctx context.Context, rideID uuid.UUID, holder, source string) (bool, error) {
	expired := false
	_, err := c.rides.Apply(ctx, rideID, func(current *rides.Ride) ([]rides.Step, error) {
		expired = false
		if current.Status != rides.StatusLocked || current.Lock.DriverID != holder || current.Lock.ActiveAt(c.now()) {
			return nil, nil
		}
		expired = true
		return []rides.Step{expiryStep()}, nil
	})
	if err != nil {
		return false, err
	}

	c.releaseQuietly(ctx, rideID, holder)
	if expired {
		lockExpiriesTotal.WithLabelValues(source).Inc()
		logger.InfoContext(ctx, "ride lock expired",
			zap.String("driver_id", holder),
			zap.String("source", source),
		)
	}
	return expired, nil
}

func (c *Coordinator) takeLock(ctx context.Context, ride *rides.Ride, driverID string, now time.Time) (Lock, bool, error) {
	ttl := time.Duration(0)
	if ride.Offer != nil {
		ttl = ride.Offer.TTL
	}
	ttl, err := c.offerTTL(ctx, ttl)
	if err != nil {
		return Lock{}, false, err
	}

	return c.locks.Acquire(ctx, Lock{
		RideID:     ride.ID,
		DriverID:   driverID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
}

func (c *Coordinator) offerTTL(ctx context.Context, requested time.Duration) (time.Duration, error) {
	if requested > 0 {
		return requested, nil
	}
	s, err := c.settings.Settings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load dispatch settings: %w", err)
	}
	if s.OfferTTL > 0 {
		return s.OfferTTL, nil
	}
	return DefaultOfferTTL, nil
}

func (c *Coordinator) binding(ctx context.Context, driverID string) (rides.DriverBinding, error) {
	driver, ok, err := c.drivers.Driver(ctx, driverID)
	if err != nil {
		return rides.DriverBinding{}, err
	}
	if !ok {
		logger.WarnContext(ctx, "driver has no directory profile", zap.String("driver_id", driverID))
		return rides.DriverBinding{ID: driverID}, nil
	}
	return rides.DriverBinding{ID: driver.ID, Name: driver.Name, Phone: driver.Phone}, nil
}

// ensureFree fails with ErrDriverBusy when the driver is locked on or
// assigned to another ride
func (c *Coordinator) ensureFree(ctx context.Context, rideID uuid.UUID, driverID string) error {
	current, held, err := c.drivers.CurrentLock(ctx, driverID)
	if err != nil {
		return err
	}
	if held && current.RideID != rideID {
		return fmt.Errorf("%w: driver %s holds ride %s", rides.ErrDriverBusy, driverID, current.RideID)
	}
	return nil
}

func (c *Coordinator) releaseQuietly(ctx context.Context, rideID uuid.UUID, driverID string) {
	if _, err := c.locks.Release(ctx, rideID, driverID); err != nil && !errors.Is(err, rides.ErrAlreadyLocked) {
		logger.WarnContext(ctx, "failed to release ride lock", zap.String("driver_id", driverID), zap.Error(err))
	}
}

// lockSteps plans the move into locked for driverID, first clearing a lock
// that has run out
func lockSteps(current *rides.Ride, driverID string, lock Lock, now time.Time) ([]rides.Step, error) {
	step := rides.Step{Action: rides.ActionLocked, Actor: driverID, Input: rides.TransitionInput{Lock: lock.State()}}
	if current.Status != rides.StatusLocked {
		return []rides.Step{step}, nil
	}

	switch {
	case current.Lock.ActiveAt(now) && current.Lock.DriverID == driverID:
		return nil, nil
	case current.Lock.ActiveAt(now):
		return nil, alreadyLocked(current.ID, current.Lock.DriverID)
	}
	return []rides.Step{expiryStep(), step}, nil
}

func expiryStep() rides.Step {
	return rides.Step{
		Action: rides.ActionRedispatched,
		Actor:  ActorLockExpiry,
		Input:  rides.TransitionInput{Reason: reasonLockExpired},
	}
}

func alreadyLocked(rideID uuid.UUID, holder string) error {
	return fmt.Errorf("%w: ride %s held by %s", rides.ErrAlreadyLocked, rideID, holder)
}

func requireDriver(driverID string) error {
	if strings.TrimSpace(driverID) == "" {
		return fmt.Errorf("%w: driver_id is required", rides.ErrValidation)
	}
	return nil
}
