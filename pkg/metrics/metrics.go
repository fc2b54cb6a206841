package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chrono_instances_total",
			Help: "Total number of instances by run_state",
		},
		[]string{"run_state"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chrono_tasks_total",
			Help: "Total number of tasks by execute_state",
		},
		[]string{"execute_state"},
	)

	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrono_tasks_dispatched_total",
			Help: "Total number of task dispatch attempts by outcome",
		},
		[]string{"outcome"}, // ok, retried, failed
	)

	// Raft metrics (the cluster-wide scanner lock)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chrono_raft_is_leader",
			Help: "Whether this Supervisor holds the cluster scanner lock (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chrono_raft_peers_total",
			Help: "Total number of Raft peers among Supervisors",
		},
	)

	// Registry metrics
	RegistryAliveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chrono_registry_alive_workers",
			Help: "Number of workers considered alive per group",
		},
		[]string{"group"},
	)

	RegistryRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrono_registry_refreshes_total",
			Help: "Total number of discovery refreshes by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrono_rpc_requests_total",
			Help: "Total number of outbound RPCs by path and status",
		},
		[]string{"path", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chrono_rpc_request_duration_seconds",
			Help:    "Outbound RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	RPCRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrono_rpc_retries_total",
			Help: "Total number of RPC retry attempts",
		},
		[]string{"path"},
	)

	// Scanner metrics
	ScanSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chrono_scan_sweep_duration_seconds",
			Help:    "Duration of one scanner sweep",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scanner"},
	)

	ScanItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrono_scan_items_processed_total",
			Help: "Total number of items processed per scanner sweep",
		},
		[]string{"scanner"},
	)

	// Timing wheel (worker side) metrics
	TimingWheelOffers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chrono_timingwheel_offers_total",
			Help: "Total number of timing wheel offers by outcome",
		},
		[]string{"outcome"}, // admitted, rejected_not_mine, rejected_overflow, rejected_duplicate
	)

	ExecutorPoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chrono_executor_pool_active",
			Help: "Number of tasks currently executing in the worker's executor pool",
		},
	)

	// AuthFailures counts rejected Worker->Supervisor requests, signature
	// mismatches and expired timestamps alike.
	AuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chrono_auth_failures_total",
			Help: "Total number of rejected worker-to-supervisor RPC signatures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		TasksTotal,
		TasksDispatched,
		RaftLeader,
		RaftPeers,
		RegistryAliveWorkers,
		RegistryRefreshes,
		RPCRequestsTotal,
		RPCRequestDuration,
		RPCRetries,
		ScanSweepDuration,
		ScanItemsProcessed,
		TimingWheelOffers,
		ExecutorPoolActive,
		AuthFailures,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
