package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nhi_peers_total",
			Help: "Known peers by liveness status",
		},
		[]string{"status"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nhi_instances_total",
			Help: "Local instances by role",
		},
		[]string{"role"},
	)

	// Checkpoint metrics
	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_checkpoints_total",
			Help: "Checkpoints created, by trigger (sync, manual, migration)",
		},
		[]string{"trigger"},
	)

	SyncBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nhi_shadow_sync_bytes_total",
			Help: "Image bytes replicated to shadow holders",
		},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhi_migrations_total",
			Help: "Migrations by outcome (completed, failed, rejected)",
		},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nhi_migration_duration_seconds",
			Help:    "End-to-end migration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transfer metrics
	TransfersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nhi_transfers_failed_total",
			Help: "Image transfers that aborted",
		},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(CheckpointsTotal)
	prometheus.MustRegister(SyncBytesTotal)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(TransfersFailed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
