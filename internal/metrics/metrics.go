package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "warden"
)

var (
	// Ticks counts supervisor loop iterations by role
	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervision_ticks_total",
			Help:      "Total number of supervision ticks",
		},
		[]string{"role"}, // role: leader/follower
	)

	// TickDuration measures one full supervision tick
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "supervision_tick_duration_seconds",
			Help:      "Supervision tick latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// JobsCreated counts jobs the supervisor scheduled
	JobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of jobs created, by job type",
		},
		[]string{"type"},
	)

	// HealthTransitions counts server status changes
	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Total number of server health status transitions",
		},
		[]string{"role", "status"}, // status: GOOD/BAD/FAILED
	)

	// Transactions counts agency write outcomes
	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agency_transactions_total",
			Help:      "Total number of agency transactions, by outcome",
		},
		[]string{"outcome"}, // outcome: applied/rejected/error
	)
)
