package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/richxcame/ride-dispatch/internal/rides"
)

var (
	occurrencesMaterializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_occurrences_materialized_total",
		Help: "Rides created from recurring templates",
	})

	materializeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_materialize_failures_total",
		Help: "Failed materializations by reason",
	}, []string{"reason"})

	templatesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_templates_exhausted_total",
		Help: "Templates that became inert after their last occurrence",
	})
)

func failureReason(err error) string {
	if code := rides.ErrorCode(err); code != "" {
		return code
	}
	return "internal"
}
