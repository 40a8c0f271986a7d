package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_lock_acquired_total",
		Help: "Total number of locks acquired",
	})
	// LockContentionCounter tracks acquisitions refused because the key was
	// already locked.
	LockContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_lock_contention_total",
		Help: "Total number of lock acquisitions lost to contention",
	})
	// JobCompletedCounter tracks jobs that completed successfully.
	JobCompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_job_completed_total",
		Help: "Total number of jobs completed",
	})
	// JobRolledBackCounter tracks jobs that rolled back.
	JobRolledBackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_job_rolled_back_total",
		Help: "Total number of jobs rolled back",
	})
	// CuratorHeartbeatCounter tracks heartbeat records written.
	CuratorHeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_curator_heartbeat_total",
		Help: "Total number of curator heartbeats sent",
	})
	// CuratorJobsRemovedCounter tracks expired jobs rolled back and removed
	// by the curator.
	CuratorJobsRemovedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_curator_jobs_removed_total",
		Help: "Total number of expired jobs removed by the curator",
	})
	// CuratorLocksRemovedCounter tracks orphaned locks removed by the curator.
	CuratorLocksRemovedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oiot_curator_locks_removed_total",
		Help: "Total number of orphaned locks removed by the curator",
	})
	// CuratorActiveGauge reports whether this instance is the active curator.
	CuratorActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oiot_curator_active",
		Help: "1 while this instance is the active curator, 0 otherwise",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquiredCounter, LockContentionCounter,
		JobCompletedCounter, JobRolledBackCounter,
		CuratorHeartbeatCounter, CuratorJobsRemovedCounter,
		CuratorLocksRemovedCounter, CuratorActiveGauge,
	)
}
