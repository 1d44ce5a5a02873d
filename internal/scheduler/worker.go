package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/richxcame/ride-dispatch/internal/rides"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is how often due templates are polled
	DefaultInterval = 1 * time.Minute
	// maxCatchUpPasses bounds how many overdue occurrences of one template a
	// single tick materializes after downtime.
	maxCatchUpPasses = 10
)

// Materializer is implemented by Scheduler
type Materializer interface {
	DueTemplates(ctx context.Context, asOf time.Time) ([]TemplateRef, error)
	Materialize(ctx context.Context, ref TemplateRef, asOf time.Time) (*rides.Ride, error)
}

// Worker polls due recurring templates and materializes them
type Worker struct {
	scheduler Materializer
	logger    *zap.Logger
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWorker creates a new scheduler worker
func NewWorker(scheduler Materializer, logger *zap.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		scheduler: scheduler,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start begins the template processing loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting scheduler worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on start
	w.processDueTemplates(ctx)

	for {
		select {
		case <-ticker.C:
			w.processDueTemplates(ctx)
		case <-ctx.Done():
			w.logger.Info("Scheduler worker stopped")
			return
		case <-w.done:
			w.logger.Info("Scheduler worker shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// processDueTemplates materializes every occurrence due at the start of the
// tick. Templates that fell behind are caught up over repeated passes.
func (w *Worker) processDueTemplates(ctx context.Context) int {
	asOf := w.now()
	total := 0

	for pass := 0; pass < maxCatchUpPasses; pass++ {
		refs, err := w.scheduler.DueTemplates(ctx, asOf)
		if err != nil {
			w.logger.Error("Failed to get due templates", zap.Error(err))
			return total
		}
		if len(refs) == 0 {
			break
		}

		created := 0
		for _, ref := range refs {
			if ctx.Err() != nil {
				return total
			}

			ride, err := w.scheduler.Materialize(ctx, ref, asOf)
			switch {
			case errors.Is(err, rides.ErrRecurrenceExhausted):
				w.logger.Debug("Skipping exhausted template", zap.String("template_id", ref.TemplateID.String()))
			case err != nil:
				w.logger.Error("Failed to materialize template",
					zap.String("template_id", ref.TemplateID.String()),
					zap.Time("scheduled_for", ref.ScheduledFor),
					zap.Error(err))
			default:
				created++
				w.logger.Debug("Materialized occurrence",
					zap.String("template_id", ref.TemplateID.String()),
					zap.String("ride_id", ride.ID.String()))
			}
		}

		total += created
		if created == 0 {
			break
		}
	}

	if total > 0 {
		w.logger.Info("Processed recurring templates", zap.Int("materialized", total))
	}
	return total
}
