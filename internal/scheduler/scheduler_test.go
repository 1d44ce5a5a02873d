package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/recurrence"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-10-13 is a Tuesday.
var t0 = time.Date(2026, time.October, 13, 14, 0, 0, 0, time.UTC)

type fixture struct {
	engine    *rides.Engine
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings := pricing.NewFixedSettings(pricing.Settings{
		Rates: pricing.Rates{
			BaseFare:          15,
			PerKm:             3,
			Night:             pricing.NightWindow{Start: "22:00", End: "06:00"},
			NightSurchargePct: 25,
			Currency:          "USD",
		},
		Timezone:      "UTC",
		DefaultRegion: "center",
		OfferTTL:      time.Minute,
	})
	engine := rides.NewEngine(rides.NewMemoryRepository(), settings, rides.WithClock(func() time.Time { return t0 }))
	return &fixture{engine: engine, scheduler: NewScheduler(engine, settings)}
}

func (f *fixture) createTemplate(t *testing.T, tpl recurrence.Template) *rides.Ride {
	t.Helper()
	ride, err := f.engine.Create(context.Background(), rides.CreateRequest{
		Customer:    rides.Customer{Name: "Aylar", Phone: "+99365000001"},
		Pickup:      rides.Place{Address: "Home", Lat: 37.95, Lng: 58.38},
		Destination: rides.Place{Address: "Office", Lat: 37.96, Lng: 58.39},
		Region:      "north",
		Trip:        pricing.TripFacts{DistanceKm: 10},
		Notes:       "gate 3",
		Recurring:   &tpl,
		CreatedBy:   "operator:1",
	})
	require.NoError(t, err)
	return ride
}

func TestScheduler_WeeklyTemplateMaterializesExactlyThreeTimes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	template := f.createTemplate(t, recurrence.Template{
		Frequency:        recurrence.Weekly,
		DayOfWeek:        time.Monday,
		TimeOfDay:        "09:00",
		TotalOccurrences: 3,
	})
	asOf := time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC)

	want := []time.Time{
		time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.October, 26, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.November, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, scheduled := range want {
		refs, err := f.scheduler.DueTemplates(ctx, asOf)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.True(t, scheduled.Equal(refs[0].ScheduledFor), "want %s, got %s", scheduled, refs[0].ScheduledFor)

		ride, err := f.scheduler.Materialize(ctx, refs[0], asOf)
		require.NoError(t, err)
		assert.Equal(t, OccurrenceID(template.ID, scheduled), ride.ID)
		assert.Equal(t, rides.StatusCreated, ride.Status)
		assert.False(t, ride.IsTemplate())
		require.NotNil(t, ride.Occurrence)
		assert.Equal(t, template.ID, ride.Occurrence.TemplateID)
		assert.True(t, scheduled.Equal(ride.Occurrence.ScheduledFor))
		assert.Equal(t, "north", ride.Region)
		assert.Equal(t, "gate 3", ride.Notes)
		assert.Equal(t, ActorScheduler, ride.ActionHistory[0].PerformedBy)
		assert.Equal(t, 45.0, ride.Price)
	}

	refs, err := f.scheduler.DueTemplates(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, refs, "template is inert after the third occurrence")

	current, err := f.engine.Get(ctx, template.ID)
	require.NoError(t, err)
	assert.True(t, current.Recurring.Inert())
	assert.Equal(t, 0, *current.Recurring.RemainingOccurrences)
	assert.Equal(t, 3, current.Recurring.Materialized)
	assert.True(t, want[2].Equal(*current.Recurring.LastMaterialized))

	_, err = f.scheduler.Materialize(ctx, TemplateRef{TemplateID: template.ID, ScheduledFor: current.Recurring.NextOccurrence}, asOf)
	assert.ErrorIs(t, err, rides.ErrRecurrenceExhausted)
}

func TestScheduler_MaterializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	template := f.createTemplate(t, recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "08:00"})
	ref := TemplateRef{TemplateID: template.ID, ScheduledFor: template.Recurring.NextOccurrence}
	asOf := ref.ScheduledFor.Add(time.Minute)

	first, err := f.scheduler.Materialize(ctx, ref, asOf)
	require.NoError(t, err)
	second, err := f.scheduler.Materialize(ctx, ref, asOf)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Number, second.Number)

	created, err := f.engine.ListByStatus(ctx, rides.StatusCreated, 0)
	require.NoError(t, err)
	assert.Len(t, created, 2, "the template and one occurrence")

	current, err := f.engine.Get(ctx, template.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Recurring.Materialized)
	assert.True(t, ref.ScheduledFor.AddDate(0, 0, 1).Equal(current.Recurring.NextOccurrence))
}

func TestScheduler_MaterializeResumesAfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	template := f.createTemplate(t, recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "08:00"})
	scheduled := template.Recurring.NextOccurrence

	// An earlier attempt created the ride but never advanced the template.
	existing, err := f.engine.Create(ctx, rides.CreateRequest{
		Customer:    template.Customer,
		Pickup:      template.Pickup,
		Destination: template.Destination,
		Trip:        template.Trip,
		CreatedBy:   ActorScheduler,
		RideID:      OccurrenceID(template.ID, scheduled),
		Occurrence:  &rides.OccurrenceRef{TemplateID: template.ID, ScheduledFor: scheduled},
		PricedAt:    scheduled,
	})
	require.NoError(t, err)

	ride, err := f.scheduler.Materialize(ctx, TemplateRef{TemplateID: template.ID, ScheduledFor: scheduled}, scheduled)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ride.ID)

	current, err := f.engine.Get(ctx, template.ID)
	require.NoError(t, err)
	require.NotNil(t, current.Recurring.LastMaterialized)
	assert.True(t, scheduled.Equal(*current.Recurring.LastMaterialized))
}

func TestScheduler_OccurrenceIsPricedAtItsScheduledTime(t *testing.T) {
	f := newFixture(t)
	template := f.createTemplate(t, recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "23:00"})
	assert.Equal(t, 45.0, template.Price, "template priced at creation time")

	ref := TemplateRef{TemplateID: template.ID, ScheduledFor: template.Recurring.NextOccurrence}
	ride, err := f.scheduler.Materialize(context.Background(), ref, ref.ScheduledFor)
	require.NoError(t, err)
	assert.Equal(t, 56.25, ride.Price)
	assert.True(t, ref.ScheduledFor.Equal(ride.Pricing.CalculatedAt))
}

func TestScheduler_MaterializeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	template := f.createTemplate(t, recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "08:00"})
	next := template.Recurring.NextOccurrence

	plain, err := f.engine.Create(ctx, rides.CreateRequest{
		Customer:    template.Customer,
		Pickup:      template.Pickup,
		Destination: template.Destination,
		CreatedBy:   "operator:1",
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		ref     TemplateRef
		asOf    time.Time
		wantErr error
	}{
		{name: "not due yet", ref: TemplateRef{TemplateID: template.ID, ScheduledFor: next}, asOf: next.Add(-time.Second), wantErr: rides.ErrValidation},
		{name: "stale instant", ref: TemplateRef{TemplateID: template.ID, ScheduledFor: next.Add(time.Hour)}, asOf: next.Add(2 * time.Hour), wantErr: rides.ErrValidation},
		{name: "not a template", ref: TemplateRef{TemplateID: plain.ID, ScheduledFor: next}, asOf: next, wantErr: rides.ErrValidation},
		{name: "unknown template", ref: TemplateRef{TemplateID: uuid.New(), ScheduledFor: next}, asOf: next, wantErr: rides.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.Materialize(ctx, tt.ref, tt.asOf)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	current, err := f.engine.Get(ctx, template.ID)
	require.NoError(t, err)
	assert.Zero(t, current.Recurring.Materialized)
}

func TestScheduler_EndDateMakesTemplateInert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	end := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)
	template := f.createTemplate(t, recurrence.Template{Frequency: recurrence.Daily, TimeOfDay: "08:00", EndDate: &end})
	asOf := time.Date(2026, time.October, 20, 0, 0, 0, 0, time.UTC)

	materialized := 0
	for {
		refs, err := f.scheduler.DueTemplates(ctx, asOf)
		require.NoError(t, err)
		if len(refs) == 0 {
			break
		}
		_, err = f.scheduler.Materialize(ctx, refs[0], asOf)
		require.NoError(t, err)
		materialized++
		require.LessOrEqual(t, materialized, 5)
	}

	assert.Equal(t, 2, materialized, "Oct 14 and Oct 15")
	current, err := f.engine.Get(ctx, template.ID)
	require.NoError(t, err)
	assert.True(t, current.Recurring.Inert())
}

func TestOccurrenceID(t *testing.T) {
	templateID := uuid.New()
	at := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, OccurrenceID(templateID, at), OccurrenceID(templateID, at.In(time.FixedZone("UTC+5", 5*3600))))
	assert.NotEqual(t, OccurrenceID(templateID, at), OccurrenceID(templateID, at.AddDate(0, 0, 7)))
	assert.NotEqual(t, OccurrenceID(templateID, at), OccurrenceID(uuid.New(), at))
}
