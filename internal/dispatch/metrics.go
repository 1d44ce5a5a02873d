package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/richxcame/ride-dispatch/internal/rides"
)

var (
	offerDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offer_deliveries_total",
		Help: "Offers pushed to individual drivers by outcome",
	}, []string{"outcome"})

	offerCandidatesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offer_candidates_skipped_total",
		Help: "Candidates left out of an offer because they hold a lock on another ride",
	})

	lockOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_lock_operations_total",
		Help: "Acquire, confirm and release attempts by outcome",
	}, []string{"operation", "outcome"})

	lockExpiriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_lock_expiries_total",
		Help: "Locked rides released back to sent after their lock expired",
	}, []string{"source"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_sweep_duration_seconds",
		Help:    "Duration of lock expiry sweeps",
		Buckets: prometheus.DefBuckets,
	})
)

func observeLockOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = rides.ErrorCode(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	lockOperationsTotal.WithLabelValues(operation, outcome).Inc()
}
