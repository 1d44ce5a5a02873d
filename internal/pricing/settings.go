package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/richxcame/ride-dispatch/pkg/config"
)

// SettingsProvider supplies the rates in force at computation time.
// Implementations are not expected to cache.
type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticSettings serves settings built once from configuration
type StaticSettings struct {
	settings Settings
}

// NewStaticSettings builds a provider from the pricing and dispatch config sections
func NewStaticSettings(pc config.PricingConfig, dc config.DispatchConfig) (*StaticSettings, error) {
	rates, err := RatesFromConfig(pc)
	if err != nil {
		return nil, err
	}

	return &StaticSettings{settings: Settings{
		Rates:         rates,
		Timezone:      pc.Timezone,
		DefaultRegion: dc.DefaultRegion,
		OfferTTL:      dc.OfferTTL(),
	}}, nil
}

// NewFixedSettings serves s as is
func NewFixedSettings(s Settings) *StaticSettings {
	return &StaticSettings{settings: s}
}

// Settings returns the configured settings
func (s *StaticSettings) Settings(ctx context.Context) (Settings, error) {
	return s.settings, nil
}

// RatesFromConfig converts the config section into rates.
// A flat discount wins over a percentage one when both are set.
func RatesFromConfig(pc config.PricingConfig) (Rates, error) {
	loc, err := loadLocation(pc.Timezone)
	if err != nil {
		return Rates{}, err
	}

	rates := Rates{
		BaseFare:            pc.BaseFare,
		PerKm:               pc.PerKm,
		PerMinute:           pc.PerMinute,
		MinimumFare:         pc.MinimumFare,
		Night:               NightWindow{Start: pc.NightStart, End: pc.NightEnd},
		NightSurchargePct:   pc.NightSurchargePct,
		WeekendDays:         pc.WeekendDays,
		WeekendSurchargePct: pc.WeekendSurcharge,
		CommissionPct:       pc.CommissionPct,
		Currency:            pc.Currency,
		Location:            loc,
	}
	rates.Discount = discountFrom(pc.DiscountFlat, pc.DiscountPct)
	return rates, nil
}

func discountFrom(flat, pct float64) Discount {
	switch {
	case flat > 0:
		return Discount{Type: DiscountFlat, Value: flat}
	case pct > 0:
		return Discount{Type: DiscountPercent, Value: pct}
	default:
		return Discount{}
	}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid pricing timezone %q: %w", name, err)
	}
	return loc, nil
}
