package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitegate_impersonation_requests_created_total",
		Help: "Total impersonation requests created",
	})

	requestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegate_impersonation_request_transitions_total",
			Help: "Request transitions out of pending, by terminal status",
		},
		[]string{"status"},
	)

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitegate_impersonation_sessions_started_total",
		Help: "Total impersonation sessions started",
	})

	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegate_impersonation_sessions_ended_total",
			Help: "Sessions ended, by end reason",
		},
		[]string{"reason"},
	)

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitegate_impersonation_sessions_active",
		Help: "Currently active impersonation sessions",
	})

	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegate_sweep_runs_total",
			Help: "Expiry sweep passes, by sweep kind",
		},
		[]string{"sweep"},
	)
)
