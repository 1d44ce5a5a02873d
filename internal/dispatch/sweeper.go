package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often expired locks are collected
const DefaultSweepInterval = 5 * time.Second

// LockSweeper releases expired locks
type LockSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper periodically returns rides with expired locks to sent. Expiry is
// also detected lazily on the next offer, acquire, confirm or release; the
// sweeper only bounds how long an abandoned lock keeps a ride out of the
// offer pool.
type Sweeper struct {
	coordinator LockSweeper
	logger      *zap.Logger
	interval    time.Duration
	done        chan struct{}
	stopOnce    sync.Once
}

// NewSweeper creates a new lock sweeper
func NewSweeper(coordinator LockSweeper, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		coordinator: coordinator,
		logger:      logger,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting lock sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Lock sweeper stopped")
			return
		case <-s.done:
			s.logger.Info("Lock sweeper shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Sweeper) sweep(ctx context.Context) {
	released, err := s.coordinator.Sweep(ctx)
	if err != nil {
		s.logger.Error("Lock sweep failed", zap.Int("released", released), zap.Error(err))
		return
	}
	if released > 0 {
		s.logger.Info("Released expired locks", zap.Int("count", released))
	}
}
