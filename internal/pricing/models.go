package pricing

import (
	"time"
)

// Discount types
const (
	DiscountFlat    = "flat"
	DiscountPercent = "percent"
)

// Adjustment kinds
const (
	AdjustmentSurge   = "surge"
	AdjustmentNight   = "night"
	AdjustmentWeekend = "weekend"
)

// TripFacts are the caller-supplied estimates a price is computed from
type TripFacts struct {
	DistanceKm      float64 `json:"distance_km" validate:"gte=0"`
	DurationMin     float64 `json:"duration_min" validate:"gte=0"`
	SurgeMultiplier float64 `json:"surge_multiplier,omitempty" validate:"omitempty,gte=1"`
}

// Equal reports whether two sets of trip facts would price identically
func (t TripFacts) Equal(o TripFacts) bool {
	return t.DistanceKm == o.DistanceKm &&
		t.DurationMin == o.DurationMin &&
		t.surge() == o.surge()
}

func (t TripFacts) surge() float64 {
	if t.SurgeMultiplier <= 0 {
		return 1
	}
	return t.SurgeMultiplier
}

// NightWindow is a local "HH:MM" range. Start after End spans midnight.
type NightWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Discount is applied after every surcharge
type Discount struct {
	Type  string  `json:"type,omitempty"`
	Value float64 `json:"value,omitempty"`
}

// Rates are the configured tariffs
type Rates struct {
	BaseFare            float64        `json:"base_fare"`
	PerKm               float64        `json:"per_km"`
	PerMinute           float64        `json:"per_minute"`
	MinimumFare         float64        `json:"minimum_fare"`
	Night               NightWindow    `json:"night"`
	NightSurchargePct   float64        `json:"night_surcharge_pct"`
	WeekendDays         []time.Weekday `json:"weekend_days"`
	WeekendSurchargePct float64        `json:"weekend_surcharge_pct"`
	Discount            Discount       `json:"discount"`
	CommissionPct       float64        `json:"commission_pct"`
	Currency            string         `json:"currency"`
	// Location is used to evaluate night and weekend rules. Nil means UTC.
	Location *time.Location `json:"-"`
}

// DefaultWeekendDays is used when Rates.WeekendDays is empty
var DefaultWeekendDays = []time.Weekday{time.Friday, time.Saturday}

// Adjustment is one percentage applied to the subtotal
type Adjustment struct {
	Kind    string  `json:"kind"`
	Percent float64 `json:"percent"`
	Amount  float64 `json:"amount"`
}

// Details is the price breakdown stored verbatim on a ride
type Details struct {
	BasePrice           float64      `json:"base_price"`
	DistancePrice       float64      `json:"distance_price"`
	TimePrice           float64      `json:"time_price"`
	Subtotal            float64      `json:"subtotal"`
	SurgeMultiplier     float64      `json:"surge_multiplier"`
	Adjustments         []Adjustment `json:"adjustments,omitempty"`
	TotalBeforeDiscount float64      `json:"total_before_discount"`
	MinimumFareApplied  bool         `json:"minimum_fare_applied,omitempty"`
	DiscountType        string       `json:"discount_type,omitempty"`
	Discount            float64      `json:"discount"`
	FinalTotal          float64      `json:"final_total"`
	CommissionPct       float64      `json:"commission_pct"`
	Commission          float64      `json:"commission"`
	DriverEarnings      float64      `json:"driver_earnings"`
	Currency            string       `json:"currency,omitempty"`
	Inputs              TripFacts    `json:"inputs"`
	CalculatedAt        time.Time    `json:"calculated_at"`
}

// AdjustmentPct returns the percentage applied for kind, or 0
func (d *Details) AdjustmentPct(kind string) float64 {
	for _, a := range d.Adjustments {
		if a.Kind == kind {
			return a.Percent
		}
	}
	return 0
}

// Settings is what a SettingsProvider hands out at computation time
type Settings struct {
	Rates         Rates
	Timezone      string
	DefaultRegion string
	OfferTTL      time.Duration
}
