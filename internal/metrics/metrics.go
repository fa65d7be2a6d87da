// Package metrics holds the process-wide Prometheus collectors. They register
// with the default registry, which /metrics serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeartbeatFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_heartbeat_failures_total",
			Help: "Failed heartbeat upsert attempts",
		},
	)

	HeartbeatFatalTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_heartbeat_fatal_total",
			Help: "Heartbeats that exhausted every retry and triggered shutdown",
		},
	)

	VacuumRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_vacuum_runs_total",
			Help: "Queue vacuum passes by outcome",
		},
		[]string{"result"}, // ok, error
	)

	SameWorkerPullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_same_worker_pulls_total",
			Help: "Same-worker pulls by outcome",
		},
		[]string{"result"}, // pulled, absent, error
	)

	JobsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_jobs_executed_total",
			Help: "Jobs run by this worker",
		},
		[]string{"kind", "success"},
	)

	OccupancyRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmesh_worker_occupancy_rate",
			Help: "Fraction of time spent running jobs",
		},
		[]string{"window"}, // all, 15s, 5m, 30m
	)

	AgentInitJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_agent_init_jobs_total",
			Help: "Agent bootstrap job requests by outcome",
		},
		[]string{"result"}, // ok, unauthorized, prefix_mismatch, error
	)
)
