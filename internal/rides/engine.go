package rides

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/recurrence"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"github.com/richxcame/ride-dispatch/pkg/resilience"
	"github.com/richxcame/ride-dispatch/pkg/tracing"
	"github.com/richxcame/ride-dispatch/pkg/validation"
	"go.uber.org/zap"
)

const tracerName = "rides-engine"

// DefaultMaxConflictRetries bounds the reload-and-retry loop on version conflicts
const DefaultMaxConflictRetries = 5

// ActorSystem prefixes actors that are not people
const ActorSystem = "system:"

// Step is one action applied within a single save
type Step struct {
	Action Action
	Actor  string
	Input  TransitionInput
}

// PlanFunc inspects the freshly loaded ride and returns the steps to apply.
// It may run more than once when a save conflicts, and must not have side effects.
// Returning no steps leaves the ride unchanged.
type PlanFunc func(current *Ride) ([]Step, error)

// Change describes one committed step
type Change struct {
	Action Action
	From   Status
	To     Status
	Actor  string
	At     time.Time
}

// Notifier is told about committed changes. Failures must not affect the caller.
type Notifier interface {
	RideChanged(ctx context.Context, ride *Ride, changes []Change)
}

// Notifiers fans changes out to each notifier in order
type Notifiers []Notifier

func (n Notifiers) RideChanged(ctx context.Context, ride *Ride, changes []Change) {
	for _, notifier := range n {
		notifier.RideChanged(ctx, ride, changes)
	}
}

// Engine applies lifecycle transitions to rides
type Engine struct {
	repo     Repository
	settings pricing.SettingsProvider
	notifier Notifier
	now      func() time.Time
	retry    resilience.RetryConfig
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier registers a change notifier
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMaxConflictRetries sets the attempt budget for conflicting saves
func WithMaxConflictRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retry = resilience.ConflictRetryConfig(n, ErrVersionConflict)
		}
	}
}

// NewEngine creates a new lifecycle engine
func NewEngine(repo Repository, settings pricing.SettingsProvider, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		settings: settings,
		now:      time.Now,
		retry:    resilience.ConflictRetryConfig(DefaultMaxConflictRetries, ErrVersionConflict),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock
func (e *Engine) Now() time.Time {
	return e.now()
}

// Create validates the request, prices the trip and stores a new ride in status created
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Ride, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Create")
	defer span.End()

	ride, err := e.create(ctx, req)
	if err != nil {
		tracing.RecordError(ctx, err)
		rideTransitionFailuresTotal.WithLabelValues("create", failureReason(err)).Inc()
		return nil, err
	}

	tracing.AddSpanAttributes(ctx,
		tracing.RideIDKey.String(ride.ID.String()),
		tracing.FareAmountKey.Float64(ride.Price),
	)
	kind := "single"
	switch {
	case ride.IsTemplate():
		kind = "template"
	case ride.Occurrence != nil:
		kind = "occurrence"
	}
	ridesCreatedTotal.WithLabelValues(kind).Inc()

	logger.InfoContext(ctx, "ride created",
		zap.String("ride_id", ride.ID.String()),
		zap.Int64("ride_number", ride.Number),
		zap.String("kind", kind),
		zap.Float64("price", ride.Price),
	)

	e.notify(ctx, ride, []Change{{Action: ActionCreated, To: StatusCreated, Actor: req.CreatedBy, At: ride.CreatedAt}})
	return ride, nil
}

func (e *Engine) create(ctx context.Context, req CreateRequest) (*Ride, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, validationError("created_by", "is required")
	}

	settings, err := e.settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing settings: %w", err)
	}

	now := e.now()
	var tpl *recurrence.Template
	if req.Recurring != nil {
		if req.Occurrence != nil {
			return nil, validationError("recurring", "an occurrence cannot itself be a template")
		}
		t := req.Recurring.Clone()
		if err := t.Prepare(now, settings.Rates.Location); err != nil {
			return nil, validationError("recurring", err.Error())
		}
		tpl = &t
	}

	pricedAt := req.PricedAt
	if pricedAt.IsZero() {
		pricedAt = now
	}
	details := pricing.Compute(req.Trip, settings.Rates, pricedAt)

	number, err := e.repo.NextNumber(ctx)
	if err != nil {
		return nil, err
	}

	id := req.RideID
	if id == uuid.Nil {
		id = uuid.New()
	}

	region := req.Region
	if region == "" {
		region = settings.DefaultRegion
	}

	created := CreatedDetails{Price: details.FinalTotal}
	if req.Occurrence != nil {
		tid := req.Occurrence.TemplateID
		created.TemplateID = &tid
	}

	ride := &Ride{
		ID:          id,
		Number:      number,
		Status:      StatusCreated,
		Customer:    req.Customer,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Region:      region,
		Trip:        req.Trip,
		Price:       details.FinalTotal,
		Notes:       req.Notes,
		Pricing:     &details,
		ActionHistory: []ActionEntry{{
			Action:      ActionCreated,
			PerformedBy: req.CreatedBy,
			Timestamp:   now,
			Details:     created,
		}},
		Timeline:  []TimelineEvent{{Kind: EventRideCreated, At: now}},
		Issues:    []Issue{},
		Recurring: tpl,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Occurrence != nil {
		occ := *req.Occurrence
		ride.Occurrence = &occ
	}

	if err := ride.Validate(); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, ride, 0); err != nil {
		return nil, err
	}
	return ride, nil
}

// Get loads a ride
func (e *Engine) Get(ctx context.Context, rideID uuid.UUID) (*Ride, error) {
	return e.repo.Get(ctx, rideID)
}

// Transition applies a single action performed by actor
func (e *Engine) Transition(ctx context.Context, rideID uuid.UUID, action Action, actor string, input TransitionInput) (*Ride, error) {
	return e.Apply(ctx, rideID, func(*Ride) ([]Step, error) {
		return []Step{{Action: action, Actor: actor, Input: input}}, nil
	})
}

// Apply loads the ride, asks plan for the steps and commits them in one
// versioned save. Version conflicts reload and re-plan.
func (e *Engine) Apply(ctx context.Context, rideID uuid.UUID, plan PlanFunc) (*Ride, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Apply")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(rideID.String()))

	var committed []Change
	ride, err := e.mutate(ctx, rideID, "transition", func(current, next *Ride, now time.Time) (bool, error) {
		steps, err := plan(current)
		if err != nil || len(steps) == 0 {
			return false, err
		}
		committed = committed[:0]
		for _, step := range steps {
			change, err := e.applyStep(ctx, next, step, now)
			if err != nil {
				return false, err
			}
			committed = append(committed, change)
		}
		return true, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		rideTransitionFailuresTotal.WithLabelValues("transition", failureReason(err)).Inc()
		return nil, err
	}

	for _, c := range committed {
		rideTransitionsTotal.WithLabelValues(string(c.Action), string(c.To)).Inc()
		logger.InfoContext(ctx, "ride transitioned",
			zap.String("ride_id", ride.ID.String()),
			zap.String("action", string(c.Action)),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
			zap.String("actor", c.Actor),
		)
	}
	if len(committed) > 0 {
		tracing.AddSpanAttributes(ctx, tracing.RideStatusKey.String(string(ride.Status)))
		e.notify(ctx, ride, committed)
	}
	return ride, nil
}

// Offer records a broadcast offer. A created ride moves to sent; a ride
// already in sent only gets its offer replaced and an offer_resent event.
func (e *Engine) Offer(ctx context.Context, rideID uuid.UUID, actor string, offer OfferState) (*Ride, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Offer")
	defer span.End()

	var committed []Change
	ride, err := e.mutate(ctx, rideID, "offer", func(current, next *Ride, now time.Time) (bool, error) {
		committed = committed[:0]
		if current.IsTemplate() {
			return false, validationError("ride", "recurring templates cannot be offered")
		}

		switch current.Status {
		case StatusCreated:
			change, err := e.applyStep(ctx, next, Step{Action: ActionDispatched, Actor: actor, Input: TransitionInput{Offer: &offer}}, now)
			if err != nil {
				return false, err
			}
			committed = append(committed, change)
		case StatusSent:
			o := offer
			o.Candidates = append([]string(nil), offer.Candidates...)
			next.Offer = &o
			next.Timeline = append(next.Timeline, TimelineEvent{
				Kind: EventOfferResent,
				At:   now,
				Data: SearchingDriverData{Candidates: len(o.Candidates)},
			})
		default:
			return false, &TransitionError{RideID: current.ID, From: current.Status, Action: ActionDispatched}
		}
		return true, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		rideTransitionFailuresTotal.WithLabelValues("offer", failureReason(err)).Inc()
		return nil, err
	}

	for _, c := range committed {
		rideTransitionsTotal.WithLabelValues(string(c.Action), string(c.To)).Inc()
	}
	if len(committed) > 0 {
		e.notify(ctx, ride, committed)
	}
	return ride, nil
}

// ListByStatus returns rides currently in status
func (e *Engine) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	return e.repo.ListByStatus(ctx, status, limit)
}

// ListDueTemplates returns templates whose next occurrence is at or before asOf
func (e *Engine) ListDueTemplates(ctx context.Context, asOf time.Time, limit int) ([]*Ride, error) {
	return e.repo.ListDueTemplates(ctx, asOf, limit)
}

// RecordIssue attaches a new issue. The ride status is unaffected.
func (e *Engine) RecordIssue(ctx context.Context, rideID uuid.UUID, input IssueInput) (*Ride, error) {
	if err := validateRequest(input); err != nil {
		return nil, err
	}
	if input.Severity == "" {
		input.Severity = SeverityMedium
	}

	issueID := uuid.New()
	ride, err := e.mutate(ctx, rideID, "record_issue", func(_, next *Ride, now time.Time) (bool, error) {
		next.Issues = append(next.Issues, Issue{
			ID:          issueID,
			Type:        input.Type,
			Description: input.Description,
			Severity:    input.Severity,
			ReportedBy:  input.ReportedBy,
			ReportedAt:  now,
		})
		next.ActionHistory = append(next.ActionHistory, ActionEntry{
			Action:      ActionIssueReported,
			PerformedBy: input.ReportedBy,
			Timestamp:   now,
			Details:     IssueReportedDetails{IssueID: issueID, Type: input.Type, Severity: input.Severity},
		})
		next.Timeline = append(next.Timeline, TimelineEvent{
			Kind: EventIssueReported,
			At:   now,
			Data: IssueEventData{IssueID: issueID, Type: input.Type},
		})
		return true, nil
	})
	if err != nil {
		rideTransitionFailuresTotal.WithLabelValues("record_issue", failureReason(err)).Inc()
		return nil, err
	}

	logger.InfoContext(ctx, "ride issue reported",
		zap.String("ride_id", rideID.String()),
		zap.String("issue_id", issueID.String()),
		zap.String("type", input.Type),
		zap.String("severity", input.Severity),
	)
	return ride, nil
}

// ResolveIssue marks an issue resolved. Resolving again with the same
// resolution is a no-op.
func (e *Engine) ResolveIssue(ctx context.Context, rideID, issueID uuid.UUID, resolution, actor string) (*Ride, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return nil, validationError("resolution", "is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, validationError("actor", "is required")
	}

	ride, err := e.mutate(ctx, rideID, "resolve_issue", func(current, next *Ride, now time.Time) (bool, error) {
		issue, ok := next.Issue(issueID)
		if !ok {
			return false, validationError("issue_id", "not found on ride")
		}
		if issue.Resolved {
			if issue.Resolution == resolution {
				return false, nil
			}
			return false, validationError("issue_id", "is already resolved")
		}

		at := now
		issue.Resolved = true
		issue.Resolution = resolution
		issue.ResolvedBy = actor
		issue.ResolvedAt = &at

		next.ActionHistory = append(next.ActionHistory, ActionEntry{
			Action:      ActionIssueResolved,
			PerformedBy: actor,
			Timestamp:   now,
			Details:     IssueResolvedDetails{IssueID: issueID, Resolution: resolution},
		})
		next.Timeline = append(next.Timeline, TimelineEvent{
			Kind: EventIssueResolved,
			At:   now,
			Data: IssueEventData{IssueID: issueID, Type: issue.Type},
		})
		return true, nil
	})
	if err != nil {
		rideTransitionFailuresTotal.WithLabelValues("resolve_issue", failureReason(err)).Inc()
		return nil, err
	}
	return ride, nil
}

// UpdateTemplate replaces the recurring descriptor of a template ride
func (e *Engine) UpdateTemplate(ctx context.Context, rideID uuid.UUID, update func(current *Ride) (*recurrence.Template, error)) (*Ride, error) {
	return e.mutate(ctx, rideID, "update_template", func(current, next *Ride, now time.Time) (bool, error) {
		if current.Recurring == nil {
			return false, validationError("recurring", "ride is not a template")
		}
		tpl, err := update(current)
		if err != nil || tpl == nil {
			return false, err
		}
		t := tpl.Clone()
		next.Recurring = &t
		return true, nil
	})
}

// mutate runs the load, change, validate, save cycle with conflict retries.
// change works on a deep copy; returning false skips the save.
func (e *Engine) mutate(ctx context.Context, rideID uuid.UUID, op string, change func(current, next *Ride, now time.Time) (bool, error)) (*Ride, error) {
	ctx = logger.ContextWithRideID(ctx, rideID.String())

	return resilience.RetryWithName(ctx, e.retry, func(ctx context.Context) (*Ride, error) {
		current, err := e.repo.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		now := e.now()
		changed, err := change(current, next, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		next.UpdatedAt = now
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if err := e.repo.Save(ctx, next, current.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				logger.WarnContext(ctx, "ride version conflict, reloading",
					zap.String("operation", op),
					zap.Int64("expected_version", current.Version),
				)
			}
			return nil, err
		}
		return next, nil
	}, "rides_"+op)
}

// applyStep validates and applies one step to r in place
func (e *Engine) applyStep(ctx context.Context, r *Ride, step Step, now time.Time) (Change, error) {
	from := r.Status
	to, err := NextStatus(r.ID, from, step.Action)
	if err != nil {
		return Change{}, err
	}
	if strings.TrimSpace(step.Actor) == "" {
		return Change{}, validationError("actor", "is required")
	}

	in := step.Input
	var (
		details ActionDetails
		event   = TimelineEvent{At: now}
	)

	switch step.Action {
	case ActionDispatched:
		d := DispatchedDetails{}
		if in.Offer != nil {
			offer := *in.Offer
			offer.Candidates = append([]string(nil), in.Offer.Candidates...)
			r.Offer = &offer
			d = DispatchedDetails{Candidates: len(offer.Candidates), TTL: offer.TTL}
		}
		details = d
		event.Kind, event.Data = EventSearchingDriver, SearchingDriverData{Candidates: d.Candidates}

	case ActionLocked:
		if in.Lock == nil || in.Lock.DriverID == "" {
			return Change{}, validationError("lock", "driver lock is required")
		}
		lock := *in.Lock
		r.Lock = &lock
		details = LockedDetails{DriverID: lock.DriverID, ExpiresAt: lock.ExpiresAt}
		event.Kind = EventDriverAccepted

	case ActionAssigned:
		if in.Driver == nil || strings.TrimSpace(in.Driver.ID) == "" {
			return Change{}, validationError("driver", "driver id is required")
		}
		if r.Lock != nil && r.Lock.DriverID != in.Driver.ID {
			return Change{}, fmt.Errorf("%w: lock belongs to %s", ErrAlreadyLocked, r.Lock.DriverID)
		}
		driver := *in.Driver
		r.Driver = &driver
		r.Lock = nil
		details = AssignedDetails{DriverID: driver.ID, DriverName: driver.Name}
		event.Kind, event.Data = EventDriverAssigned, DriverAssignedData{DriverName: driver.Name, DriverPhone: driver.Phone}

	case ActionApproved:
		details = ApprovedDetails{}
		event.Kind = EventRideApproved

	case ActionEnroute:
		details = EnrouteDetails{Location: copyLocation(in.Location)}
		event.Kind, event.Data = EventDriverEnroute, DriverEnrouteData{Location: copyLocation(in.Location)}

	case ActionArrived:
		details = ArrivedDetails{Location: copyLocation(in.Location)}
		event.Kind, event.Data = EventDriverArrived, DriverArrivedData{Location: copyLocation(in.Location)}

	case ActionFinished:
		recalculated, err := e.reprice(ctx, r, in.TripUpdate)
		if err != nil {
			return Change{}, err
		}
		at := now
		r.CompletedAt = &at
		details = FinishedDetails{FinalTotal: r.Price, Recalculated: recalculated}
		event.Kind, event.Data = EventRideFinished, RideFinishedData{FinalTotal: r.Price}

	case ActionCancelled:
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			return Change{}, validationError("reason", "is required to cancel")
		}
		at := now
		r.CancelReason = reason
		r.CancelledAt = &at
		r.Driver = nil
		r.Lock = nil
		details = CancelledDetails{Reason: reason, PreviousStatus: from}
		event.Kind, event.Data = EventRideCancelled, RideCancelledData{Reason: reason}

	case ActionRedispatched:
		prev := ""
		switch {
		case r.Driver != nil:
			prev = r.Driver.ID
		case r.Lock != nil:
			prev = r.Lock.DriverID
		}
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = "unspecified"
		}
		r.Driver = nil
		r.Lock = nil
		details = RedispatchedDetails{PreviousDriverID: prev, PreviousStatus: from, Reason: reason}
		event.Kind, event.Data = EventDriverReleased, DriverReleasedData{Reason: reason}
	}

	r.Status = to
	r.ActionHistory = append(r.ActionHistory, ActionEntry{
		Action:      step.Action,
		PerformedBy: step.Actor,
		Timestamp:   now,
		Details:     details,
	})
	r.Timeline = append(r.Timeline, event)

	return Change{Action: step.Action, From: from, To: to, Actor: step.Actor, At: now}, nil
}

// reprice recomputes pricing when the final trip facts differ from the ones
// the ride was priced with. The original dispatch time is kept.
func (e *Engine) reprice(ctx context.Context, r *Ride, update *pricing.TripFacts) (bool, error) {
	if update == nil || r.Pricing == nil || update.Equal(r.Pricing.Inputs) {
		return false, nil
	}
	if err := validateRequest(*update); err != nil {
		return false, err
	}

	settings, err := e.settings.Settings(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load pricing settings: %w", err)
	}

	details := pricing.Compute(*update, settings.Rates, r.Pricing.CalculatedAt)
	r.Trip = *update
	r.Pricing = &details
	r.Price = details.FinalTotal
	return true, nil
}

func (e *Engine) notify(ctx context.Context, ride *Ride, changes []Change) {
	if e.notifier == nil {
		return
	}
	e.notifier.RideChanged(ctx, ride, changes)
}

// validateRequest runs struct validation and reports the first failing field
func validateRequest(v any) error {
	err := validation.ValidateStruct(v)
	if err == nil {
		return nil
	}

	var ve *validation.ValidationError
	if errors.As(err, &ve) && ve.HasErrors() {
		field := ve.Fields()[0]
		return validationError(field, ve.Errors[field])
	}
	return validationError("", err.Error())
}

func copyLocation(l *Location) *Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
