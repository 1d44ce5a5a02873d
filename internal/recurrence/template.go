package recurrence

import (
	"errors"
	"fmt"
	"time"
)

// Frequency of a recurring template
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ErrInvalidTemplate wraps every template validation failure
var ErrInvalidTemplate = errors.New("invalid recurring template")

// Template is embedded in a ride acting as the template for its occurrences
type Template struct {
	Frequency            Frequency    `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	DayOfWeek            time.Weekday `json:"day_of_week"`
	DayOfMonth           int          `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`
	TimeOfDay            string       `json:"time_of_day" validate:"required,time_of_day"`
	NextOccurrence       time.Time    `json:"next_occurrence"`
	EndDate              *time.Time   `json:"end_date,omitempty"`
	TotalOccurrences     int          `json:"total_occurrences" validate:"gte=0"`
	RemainingOccurrences *int         `json:"remaining_occurrences,omitempty"`
	LastMaterialized     *time.Time   `json:"last_materialized,omitempty"`
	Materialized         int          `json:"materialized"`
}

// Validate checks the rule fields
func (t *Template) Validate() error {
	switch t.Frequency {
	case Daily:
	case Weekly:
		if t.DayOfWeek < time.Sunday || t.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: day_of_week %d out of range", ErrInvalidTemplate, t.DayOfWeek)
		}
	case Monthly:
		if t.DayOfMonth < 1 || t.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d out of range", ErrInvalidTemplate, t.DayOfMonth)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidTemplate, t.Frequency)
	}

	if _, _, err := ParseTimeOfDay(t.TimeOfDay); err != nil {
		return err
	}
	if t.TotalOccurrences < 0 {
		return fmt.Errorf("%w: total_occurrences must not be negative", ErrInvalidTemplate)
	}
	if t.RemainingOccurrences != nil && *t.RemainingOccurrences < 0 {
		return fmt.Errorf("%w: remaining_occurrences must not be negative", ErrInvalidTemplate)
	}
	return nil
}

// Prepare fills the derived fields of a new template. A zero NextOccurrence
// becomes the first matching instant at or after now.
func (t *Template) Prepare(now time.Time, loc *time.Location) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.NextOccurrence.IsZero() {
		first, err := FirstOccurrence(*t, now, loc)
		if err != nil {
			return err
		}
		t.NextOccurrence = first
	}
	if t.TotalOccurrences > 0 && t.RemainingOccurrences == nil {
		remaining := t.TotalOccurrences
		t.RemainingOccurrences = &remaining
	}
	return nil
}

// Inert reports whether the template will never materialize again
func (t *Template) Inert() bool {
	if t.RemainingOccurrences != nil && *t.RemainingOccurrences <= 0 {
		return true
	}
	return t.EndDate != nil && t.NextOccurrence.After(*t.EndDate)
}

// Due reports whether the next occurrence should be materialized at asOf
func (t *Template) Due(asOf time.Time) bool {
	return !t.Inert() && !t.NextOccurrence.After(asOf)
}

// AlreadyMaterialized reports whether instant was already materialized
func (t *Template) AlreadyMaterialized(instant time.Time) bool {
	return t.LastMaterialized != nil && !instant.After(*t.LastMaterialized)
}

// Advance returns the template after its current NextOccurrence has been materialized
func (t Template) Advance(loc *time.Location) (Template, error) {
	next, err := NextOccurrence(t, t.NextOccurrence, loc)
	if err != nil {
		return t, err
	}

	out := t.Clone()
	at := t.NextOccurrence
	out.LastMaterialized = &at
	out.Materialized++
	if out.RemainingOccurrences != nil {
		remaining := *out.RemainingOccurrences - 1
		out.RemainingOccurrences = &remaining
	}
	out.NextOccurrence = next
	return out, nil
}

// Clone returns a deep copy
func (t Template) Clone() Template {
	out := t
	if t.EndDate != nil {
		v := *t.EndDate
		out.EndDate = &v
	}
	if t.RemainingOccurrences != nil {
		v := *t.RemainingOccurrences
		out.RemainingOccurrences = &v
	}
	if t.LastMaterialized != nil {
		v := *t.LastMaterialized
		out.LastMaterialized = &v
	}
	return out
}
