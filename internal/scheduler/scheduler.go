package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/recurrence"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"github.com/richxcame/ride-dispatch/pkg/tracing"
	"go.uber.org/zap"
)

const (
	tracerName = "recurrence-scheduler"

	// ActorScheduler performs the creation of materialized occurrences
	ActorScheduler = rides.ActorSystem + "scheduler"

	defaultBatchSize = 100
)

// TemplateRef points at one pending occurrence of a template
type TemplateRef struct {
	TemplateID   uuid.UUID `json:"template_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Rides is the part of the ride engine the scheduler uses
type Rides interface {
	Create(ctx context.Context, req rides.CreateRequest) (*rides.Ride, error)
	Get(ctx context.Context, rideID uuid.UUID) (*rides.Ride, error)
	UpdateTemplate(ctx context.Context, rideID uuid.UUID, update func(current *rides.Ride) (*recurrence.Template, error)) (*rides.Ride, error)
	ListDueTemplates(ctx context.Context, asOf time.Time, limit int) ([]*rides.Ride, error)
}

// Scheduler materializes recurring templates into regular rides
type Scheduler struct {
	rides     Rides
	settings  pricing.SettingsProvider
	batchSize int
}

// NewScheduler creates a new recurrence scheduler
func NewScheduler(r Rides, settings pricing.SettingsProvider) *Scheduler {
	return &Scheduler{rides: r, settings: settings, batchSize: defaultBatchSize}
}

// OccurrenceID is the ride ID of the occurrence of templateID scheduled at
// instant. Deriving it keeps materialization idempotent across retries and
// instances.
func OccurrenceID(templateID uuid.UUID, instant time.Time) uuid.UUID {
	return uuid.NewSHA1(templateID, []byte(instant.UTC().Format(time.RFC3339Nano)))
}

// DueTemplates lists the templates with an occurrence at or before asOf,
// oldest first
func (s *Scheduler) DueTemplates(ctx context.Context, asOf time.Time) ([]TemplateRef, error) {
	templates, err := s.rides.ListDueTemplates(ctx, asOf, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due templates: %w", err)
	}

	refs := make([]TemplateRef, 0, len(templates))
	for _, t := range templates {
		if t.Recurring == nil {
			continue
		}
		refs = append(refs, TemplateRef{TemplateID: t.ID, ScheduledFor: t.Recurring.NextOccurrence})
	}
	return refs, nil
}

// Materialize creates the ride for ref and advances the template.
//
// Calling it again for an instant already materialized returns the existing
// ride. An inert template yields rides.ErrRecurrenceExhausted and an
// occurrence later than asOf is a validation error.
func (s *Scheduler) Materialize(ctx context.Context, ref TemplateRef, asOf time.Time) (*rides.Ride, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Materialize")
	defer span.End()
	ctx = logger.ContextWithRideID(ctx, ref.TemplateID.String())
	tracing.AddSpanAttributes(ctx, tracing.TemplateIDKey.String(ref.TemplateID.String()))

	ride, err := s.materialize(ctx, ref, asOf)
	if err != nil {
		tracing.RecordError(ctx, err)
		materializeFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	return ride, nil
}

func (s *Scheduler) materialize(ctx context.Context, ref TemplateRef, asOf time.Time) (*rides.Ride, error) {
	template, err := s.rides.Get(ctx, ref.TemplateID)
	if err != nil {
		return nil, err
	}
	if !template.IsTemplate() {
		return nil, fmt.Errorf("%w: ride %s is not a recurring template", rides.ErrValidation, ref.TemplateID)
	}

	tpl := template.Recurring
	occurrenceID := OccurrenceID(template.ID, ref.ScheduledFor)
	if tpl.AlreadyMaterialized(ref.ScheduledFor) {
		return s.rides.Get(ctx, occurrenceID)
	}
	if tpl.Inert() || template.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: template %s", rides.ErrRecurrenceExhausted, template.ID)
	}
	if !tpl.NextOccurrence.Equal(ref.ScheduledFor) {
		return nil, fmt.Errorf("%w: template %s is scheduled for %s, not %s",
			rides.ErrValidation, template.ID, tpl.NextOccurrence.Format(time.RFC3339), ref.ScheduledFor.Format(time.RFC3339))
	}
	if tpl.NextOccurrence.After(asOf) {
		return nil, fmt.Errorf("%w: template %s is not due until %s", rides.ErrValidation, template.ID, tpl.NextOccurrence.Format(time.RFC3339))
	}

	settings, err := s.settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing settings: %w", err)
	}

	occurrence, err := s.createOccurrence(ctx, template, occurrenceID, ref.ScheduledFor)
	if err != nil {
		return nil, err
	}

	updated, err := s.rides.UpdateTemplate(ctx, template.ID, func(current *rides.Ride) (*recurrence.Template, error) {
		t := current.Recurring
		if t.AlreadyMaterialized(ref.ScheduledFor) {
			return nil, nil
		}
		advanced, err := t.Advance(settings.Rates.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rides.ErrValidation, err)
		}
		return &advanced, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to advance template: %w", err)
	}

	occurrencesMaterializedTotal.Inc()
	fields := []zap.Field{
		zap.String("template_id", template.ID.String()),
		zap.String("occurrence_id", occurrence.ID.String()),
		zap.Time("scheduled_for", ref.ScheduledFor),
		zap.Time("next_occurrence", updated.Recurring.NextOccurrence),
	}
	if updated.Recurring.Inert() {
		templatesExhaustedTotal.Inc()
		logger.InfoContext(ctx, "recurring template exhausted", fields...)
	} else {
		logger.InfoContext(ctx, "recurring occurrence materialized", fields...)
	}
	return occurrence, nil
}

// createOccurrence creates the ride, or loads it when an earlier attempt
// created it but failed to advance the template.
func (s *Scheduler) createOccurrence(ctx context.Context, template *rides.Ride, id uuid.UUID, scheduledFor time.Time) (*rides.Ride, error) {
	ride, err := s.rides.Create(ctx, rides.CreateRequest{
		Customer:    template.Customer,
		Pickup:      template.Pickup,
		Destination: template.Destination,
		Region:      template.Region,
		Trip:        template.Trip,
		Notes:       template.Notes,
		CreatedBy:   ActorScheduler,
		RideID:      id,
		Occurrence:  &rides.OccurrenceRef{TemplateID: template.ID, ScheduledFor: scheduledFor},
		PricedAt:    scheduledFor,
	})
	if errors.Is(err, rides.ErrVersionConflict) {
		logger.WarnContext(ctx, "occurrence already exists, resuming", zap.String("occurrence_id", id.String()))
		return s.rides.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create occurrence: %w", err)
	}
	return ride, nil
}
