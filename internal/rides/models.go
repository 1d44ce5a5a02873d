package rides

import (
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/recurrence"
)

// Status represents the lifecycle state of a ride
type Status string

const (
	StatusCreated   Status = "created"
	StatusSent      Status = "sent"
	StatusLocked    Status = "locked"
	StatusAssigned  Status = "assigned"
	StatusApproved  Status = "approved"
	StatusEnroute   Status = "enroute"
	StatusArrived   Status = "arrived"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// DriverBound reports whether a ride in this status carries a driver binding
func (s Status) DriverBound() bool {
	switch s {
	case StatusAssigned, StatusApproved, StatusEnroute, StatusArrived, StatusFinished:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusSent, StatusLocked, StatusAssigned, StatusApproved,
		StatusEnroute, StatusArrived, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// Location is a point
type Location struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// Place is an addressed point
type Place struct {
	Address string  `json:"address" validate:"required,max=500"`
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
}

// Customer is the person the ride is for
type Customer struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"required,phone"`
}

// DriverBinding identifies the driver a ride is assigned to
type DriverBinding struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Issue severities
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Issue is a problem reported against a ride, independent of its status
type Issue struct {
	ID          uuid.UUID  `json:"id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	ReportedBy  string     `json:"reported_by"`
	ReportedAt  time.Time  `json:"reported_at"`
	Resolved    bool       `json:"resolved"`
	Resolution  string     `json:"resolution,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// OccurrenceRef links a materialized ride to its template
type OccurrenceRef struct {
	TemplateID   uuid.UUID `json:"template_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// OfferState is the last broadcast offer
type OfferState struct {
	Candidates []string      `json:"candidates"`
	TTL        time.Duration `json:"ttl"`
	OfferedAt  time.Time     `json:"offered_at"`
}

// LockState mirrors the dispatch lock while the ride is locked
type LockState struct {
	DriverID   string    `json:"driver_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ActiveAt reports whether the lock has not yet expired at now
func (l *LockState) ActiveAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// ActionEntry is one audit trail record
type ActionEntry struct {
	Action      Action        `json:"action"`
	PerformedBy string        `json:"performed_by"`
	Timestamp   time.Time     `json:"timestamp"`
	Details     ActionDetails `json:"details,omitempty"`
}

// TimelineEvent is a customer-facing status event
type TimelineEvent struct {
	Kind EventKind    `json:"kind"`
	At   time.Time    `json:"at"`
	Data TimelineData `json:"data,omitempty"`
}

// Ride is the central dispatch record
type Ride struct {
	ID            uuid.UUID            `json:"id"`
	Number        int64                `json:"number"`
	Version       int64                `json:"-"`
	Status        Status               `json:"status"`
	Customer      Customer             `json:"customer"`
	Pickup        Place                `json:"pickup"`
	Destination   Place                `json:"destination"`
	Region        string               `json:"region,omitempty"`
	Trip          pricing.TripFacts    `json:"trip"`
	Price         float64              `json:"price"`
	Notes         string               `json:"notes,omitempty"`
	Driver        *DriverBinding       `json:"driver,omitempty"`
	Pricing       *pricing.Details     `json:"pricing,omitempty"`
	ActionHistory []ActionEntry        `json:"action_history"`
	Timeline      []TimelineEvent      `json:"timeline"`
	Issues        []Issue              `json:"issues"`
	Recurring     *recurrence.Template `json:"recurring,omitempty"`
	Occurrence    *OccurrenceRef       `json:"occurrence,omitempty"`
	Offer         *OfferState          `json:"offer,omitempty"`
	Lock          *LockState           `json:"lock,omitempty"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	CancelledAt   *time.Time           `json:"cancelled_at,omitempty"`
}

// IsTemplate reports whether the ride is a recurring template
func (r *Ride) IsTemplate() bool {
	return r.Recurring != nil
}

// RedispatchCount is derived from the audit trail
func (r *Ride) RedispatchCount() int {
	n := 0
	for _, e := range r.ActionHistory {
		if e.Action == ActionRedispatched {
			n++
		}
	}
	return n
}

// LastAction returns the most recent audit entry
func (r *Ride) LastAction() ActionEntry {
	if len(r.ActionHistory) == 0 {
		return ActionEntry{}
	}
	return r.ActionHistory[len(r.ActionHistory)-1]
}

// Issue returns the issue with the given id
func (r *Ride) Issue(id uuid.UUID) (*Issue, bool) {
	for i := range r.Issues {
		if r.Issues[i].ID == id {
			return &r.Issues[i], true
		}
	}
	return nil, false
}

// Validate checks the record-level invariants
func (r *Ride) Validate() error {
	if !r.Status.Valid() {
		return invariantError("status", "unknown status "+string(r.Status))
	}
	if len(r.ActionHistory) == 0 {
		return invariantError("action_history", "must contain at least the creation entry")
	}
	if (r.CompletedAt != nil) != (r.Status == StatusFinished) {
		return invariantError("completed_at", "must be set if and only if the ride is finished")
	}
	if (r.CancelledAt != nil) != (r.Status == StatusCancelled) {
		return invariantError("cancelled_at", "must be set if and only if the ride is cancelled")
	}
	if r.Status.DriverBound() != (r.Driver != nil && r.Driver.ID != "") {
		return invariantError("driver", "must be set if and only if the ride is driver-bound")
	}
	if (r.Status == StatusLocked) != (r.Lock != nil) {
		return invariantError("lock", "must be set if and only if the ride is locked")
	}
	if r.Status == StatusCancelled && r.CancelReason == "" {
		return invariantError("cancel_reason", "is required for cancelled rides")
	}
	return nil
}

// Clone returns a deep copy so a mutation can be discarded on failure
func (r *Ride) Clone() *Ride {
	out := *r

	if r.Driver != nil {
		d := *r.Driver
		out.Driver = &d
	}
	if r.Pricing != nil {
		p := *r.Pricing
		p.Adjustments = append([]pricing.Adjustment(nil), r.Pricing.Adjustments...)
		out.Pricing = &p
	}
	out.ActionHistory = append([]ActionEntry(nil), r.ActionHistory...)
	out.Timeline = append([]TimelineEvent(nil), r.Timeline...)
	out.Issues = make([]Issue, len(r.Issues))
	for i, is := range r.Issues {
		if is.ResolvedAt != nil {
			at := *is.ResolvedAt
			is.ResolvedAt = &at
		}
		out.Issues[i] = is
	}
	if r.Recurring != nil {
		t := r.Recurring.Clone()
		out.Recurring = &t
	}
	if r.Occurrence != nil {
		o := *r.Occurrence
		out.Occurrence = &o
	}
	if r.Offer != nil {
		o := *r.Offer
		o.Candidates = append([]string(nil), r.Offer.Candidates...)
		out.Offer = &o
	}
	if r.Lock != nil {
		l := *r.Lock
		out.Lock = &l
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}

// CreateRequest is the input to Engine.Create
type CreateRequest struct {
	Customer    Customer             `json:"customer"`
	Pickup      Place                `json:"pickup"`
	Destination Place                `json:"destination"`
	Region      string               `json:"region" validate:"max=100"`
	Trip        pricing.TripFacts    `json:"trip"`
	Notes       string               `json:"notes" validate:"max=2000"`
	Recurring   *recurrence.Template `json:"recurring,omitempty"`
	CreatedBy   string               `json:"-"`
	// Set by the scheduler for materialized occurrences.
	RideID     uuid.UUID      `json:"-"`
	Occurrence *OccurrenceRef `json:"-"`
	// PricedAt overrides the dispatch time used for pricing.
	PricedAt time.Time `json:"-"`
}

// TransitionInput carries the per-action input of a transition
type TransitionInput struct {
	Reason     string             `json:"reason,omitempty"`
	Location   *Location          `json:"location,omitempty"`
	Driver     *DriverBinding     `json:"driver,omitempty"`
	TripUpdate *pricing.TripFacts `json:"trip_update,omitempty"`
	// Lock is required for ActionLocked and set by the dispatch coordinator.
	Lock *LockState `json:"-"`
	// Offer is recorded with ActionDispatched.
	Offer *OfferState `json:"-"`
}

// IssueInput is the input to Engine.RecordIssue
type IssueInput struct {
	Type        string `json:"type" validate:"required,max=100"`
	Description string `json:"description" validate:"max=2000"`
	Severity    string `json:"severity" validate:"omitempty,oneof=low medium high"`
	ReportedBy  string `json:"reported_by" validate:"required"`
}
