package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimeOfDay parses "HH:MM"
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	h, m, found := strings.Cut(s, ":")
	if !found || len(h) != 2 || len(m) != 2 {
		return 0, 0, fmt.Errorf("%w: time_of_day %q must be HH:MM", ErrInvalidTemplate, s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: time_of_day %q has invalid hour", ErrInvalidTemplate, s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time_of_day %q has invalid minute", ErrInvalidTemplate, s)
	}
	return hour, minute, nil
}

// NextOccurrence computes the occurrence following prev. Dates are evaluated
// in loc (nil means UTC).
//
//   - daily: the next calendar day at TimeOfDay
//   - weekly: the next date on DayOfWeek, a full week ahead if prev is already on it
//   - monthly: DayOfMonth of the following month, clamped to its last day
func NextOccurrence(tpl Template, prev time.Time, loc *time.Location) (time.Time, error) {
	if err := tpl.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	hour, minute, _ := ParseTimeOfDay(tpl.TimeOfDay)

	p := prev.In(loc)
	y, m, d := p.Date()

	switch tpl.Frequency {
	case Daily:
		return time.Date(y, m, d+1, hour, minute, 0, 0, loc), nil
	case Weekly:
		delta := (int(tpl.DayOfWeek) - int(p.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		return time.Date(y, m, d+delta, hour, minute, 0, 0, loc), nil
	default:
		ny, nm := y, m+1
		if nm > time.December {
			ny, nm = y+1, time.January
		}
		return monthDay(ny, nm, tpl.DayOfMonth, hour, minute, loc), nil
	}
}

// FirstOccurrence returns the earliest instant at or after `after` that matches the rule
func FirstOccurrence(tpl Template, after time.Time, loc *time.Location) (time.Time, error) {
	if err := tpl.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	hour, minute, _ := ParseTimeOfDay(tpl.TimeOfDay)

	a := after.In(loc)
	y, m, d := a.Date()

	var candidate time.Time
	switch tpl.Frequency {
	case Daily:
		candidate = time.Date(y, m, d, hour, minute, 0, 0, loc)
	case Weekly:
		delta := (int(tpl.DayOfWeek) - int(a.Weekday()) + 7) % 7
		candidate = time.Date(y, m, d+delta, hour, minute, 0, 0, loc)
	default:
		candidate = monthDay(y, m, tpl.DayOfMonth, hour, minute, loc)
	}

	if candidate.Before(after) {
		return NextOccurrence(tpl, candidate, loc)
	}
	return candidate, nil
}

func monthDay(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
