package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/richxcame/ride-dispatch/pkg/database"
)

// ErrNoSettings is returned when no active settings row exists
var ErrNoSettings = errors.New("no active pricing settings")

const activeSettingsQuery = `
	SELECT base_fare, per_km, per_minute, minimum_fare,
	       night_start, night_end, night_surcharge_pct,
	       weekend_days, weekend_surcharge_pct,
	       discount_flat, discount_pct, commission_pct,
	       timezone, currency
	FROM pricing_settings
	WHERE is_active = true
	ORDER BY created_at DESC
	LIMIT 1
`

// Repository reads pricing settings from PostgreSQL. The newest active row wins.
type Repository struct {
	db            database.Querier
	defaultRegion string
	offerTTL      time.Duration
}

// NewRepository creates a new pricing settings repository.
// Region and offer TTL are not stored per row and come from the caller.
func NewRepository(db database.Querier, defaultRegion string, offerTTL time.Duration) *Repository {
	return &Repository{db: db, defaultRegion: defaultRegion, offerTTL: offerTTL}
}

type settingsRow struct {
	baseFare, perKm, perMinute, minimumFare float64
	nightStart, nightEnd                    string
	nightPct                                float64
	weekendDays                             []int16
	weekendPct                              float64
	discountFlat, discountPct               float64
	commissionPct                           float64
	timezone, currency                      string
}

// Settings loads the active settings row
func (r *Repository) Settings(ctx context.Context) (Settings, error) {
	row, err := database.RetryableQueryRow(ctx, r.db, "pricing_settings", activeSettingsQuery, nil,
		func(row pgx.Row) (settingsRow, error) {
			var s settingsRow
			err := row.Scan(
				&s.baseFare, &s.perKm, &s.perMinute, &s.minimumFare,
				&s.nightStart, &s.nightEnd, &s.nightPct,
				&s.weekendDays, &s.weekendPct,
				&s.discountFlat, &s.discountPct, &s.commissionPct,
				&s.timezone, &s.currency,
			)
			return s, err
		})
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, ErrNoSettings
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load pricing settings: %w", err)
	}

	loc, err := loadLocation(row.timezone)
	if err != nil {
		return Settings{}, err
	}

	weekend := make([]time.Weekday, 0, len(row.weekendDays))
	for _, d := range row.weekendDays {
		if d < 0 || d > 6 {
			return Settings{}, fmt.Errorf("invalid weekend day %d in pricing settings", d)
		}
		weekend = append(weekend, time.Weekday(d))
	}

	return Settings{
		Rates: Rates{
			BaseFare:            row.baseFare,
			PerKm:               row.perKm,
			PerMinute:           row.perMinute,
			MinimumFare:         row.minimumFare,
			Night:               NightWindow{Start: row.nightStart, End: row.nightEnd},
			NightSurchargePct:   row.nightPct,
			WeekendDays:         weekend,
			WeekendSurchargePct: row.weekendPct,
			Discount:            discountFrom(row.discountFlat, row.discountPct),
			CommissionPct:       row.commissionPct,
			Currency:            row.currency,
			Location:            loc,
		},
		Timezone:      row.timezone,
		DefaultRegion: r.defaultRegion,
		OfferTTL:      r.offerTTL,
	}, nil
}

// Fallback returns primary's settings, or secondary's when primary has none
type Fallback struct {
	Primary   SettingsProvider
	Secondary SettingsProvider
}

// Settings implements SettingsProvider
func (f Fallback) Settings(ctx context.Context) (Settings, error) {
	s, err := f.Primary.Settings(ctx)
	if errors.Is(err, ErrNoSettings) {
		return f.Secondary.Settings(ctx)
	}
	return s, err
}
