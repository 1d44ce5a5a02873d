package pricing

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Compute derives the price breakdown for a trip dispatched at dispatchTime.
// It has no side effects and returns identical output for identical input.
func Compute(trip TripFacts, rates Rates, dispatchTime time.Time) Details {
	d := Details{
		BasePrice:       rates.BaseFare,
		DistancePrice:   trip.DistanceKm * rates.PerKm,
		TimePrice:       trip.DurationMin * rates.PerMinute,
		SurgeMultiplier: trip.surge(),
		CommissionPct:   rates.CommissionPct,
		Currency:        rates.Currency,
		Inputs:          trip,
		CalculatedAt:    dispatchTime,
	}
	d.Subtotal = d.BasePrice + d.DistancePrice + d.TimePrice

	loc := rates.Location
	if loc == nil {
		loc = time.UTC
	}
	local := dispatchTime.In(loc)

	if pct := (d.SurgeMultiplier - 1) * 100; pct != 0 {
		d.Adjustments = append(d.Adjustments, Adjustment{Kind: AdjustmentSurge, Percent: pct})
	}
	if rates.NightSurchargePct != 0 && InWindow(local, rates.Night) {
		d.Adjustments = append(d.Adjustments, Adjustment{Kind: AdjustmentNight, Percent: rates.NightSurchargePct})
	}
	if rates.WeekendSurchargePct != 0 && isWeekend(local.Weekday(), rates.WeekendDays) {
		d.Adjustments = append(d.Adjustments, Adjustment{Kind: AdjustmentWeekend, Percent: rates.WeekendSurchargePct})
	}

	// Percentages are additive, each taken of the pre-discount subtotal.
	var totalPct float64
	for i := range d.Adjustments {
		d.Adjustments[i].Amount = d.Subtotal * d.Adjustments[i].Percent / 100
		totalPct += d.Adjustments[i].Percent
	}
	d.TotalBeforeDiscount = d.Subtotal * (1 + totalPct/100)

	if d.TotalBeforeDiscount < rates.MinimumFare {
		d.TotalBeforeDiscount = rates.MinimumFare
		d.MinimumFareApplied = true
	}

	switch rates.Discount.Type {
	case DiscountFlat:
		d.DiscountType = DiscountFlat
		d.Discount = rates.Discount.Value
	case DiscountPercent:
		d.DiscountType = DiscountPercent
		d.Discount = d.TotalBeforeDiscount * rates.Discount.Value / 100
	}
	if d.Discount < 0 {
		d.Discount = 0
	}

	d.FinalTotal = math.Max(0, d.TotalBeforeDiscount-d.Discount)
	d.Commission = d.FinalTotal * rates.CommissionPct / 100
	d.DriverEarnings = d.FinalTotal - d.Commission

	d.roundValues()
	return d
}

// InWindow reports whether t's wall clock falls in w. The window is [Start, End).
// A zero or malformed window never matches.
func InWindow(t time.Time, w NightWindow) bool {
	start, ok1 := minutesOfDay(w.Start)
	end, ok2 := minutesOfDay(w.End)
	if !ok1 || !ok2 || start == end {
		return false
	}

	now := t.Hour()*60 + t.Minute()
	if start > end {
		return now >= start || now < end
	}
	return now >= start && now < end
}

func minutesOfDay(hhmm string) (int, bool) {
	h, m, found := strings.Cut(hhmm, ":")
	if !found {
		return 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

func isWeekend(day time.Weekday, weekend []time.Weekday) bool {
	if len(weekend) == 0 {
		weekend = DefaultWeekendDays
	}
	for _, w := range weekend {
		if w == day {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// roundValues rounds all monetary values to 2 decimal places
func (d *Details) roundValues() {
	d.BasePrice = round2(d.BasePrice)
	d.DistancePrice = round2(d.DistancePrice)
	d.TimePrice = round2(d.TimePrice)
	d.Subtotal = round2(d.Subtotal)
	d.TotalBeforeDiscount = round2(d.TotalBeforeDiscount)
	d.Discount = round2(d.Discount)
	d.FinalTotal = round2(d.FinalTotal)
	d.Commission = round2(d.Commission)
	d.DriverEarnings = round2(d.DriverEarnings)

	for i := range d.Adjustments {
		d.Adjustments[i].Amount = round2(d.Adjustments[i].Amount)
	}
}
