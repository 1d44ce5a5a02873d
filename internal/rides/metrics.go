package rides

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ridesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rides_created_total",
		Help: "Total number of rides created",
	}, []string{"kind"})

	rideTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_transitions_total",
		Help: "Committed lifecycle transitions by action",
	}, []string{"action", "to_status"})

	rideTransitionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_transition_failures_total",
		Help: "Rejected or failed lifecycle transitions",
	}, []string{"operation", "reason"})
)

func failureReason(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	return "internal"
}
