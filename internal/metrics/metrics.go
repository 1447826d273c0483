// Package metrics registers the Prometheus collectors a foldsync
// server process exposes at /metrics (same package-level
// var-block-of-collectors-plus-init shape as a typical metrics
// package), generalized from WebSocket connection/broadcast counters
// to the object-sync protocol's sessions, subscriptions, and wire
// traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldsync_sessions_total",
		Help: "Total number of sessions established",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foldsync_sessions_active",
		Help: "Current number of authenticated sessions",
	})

	SessionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foldsync_sessions_rejected_total",
		Help: "Total session admissions rejected, by reason",
	}, []string{"reason"})

	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldsync_auth_failures_total",
		Help: "Total AUTH messages rejected by the validator",
	})

	SubscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foldsync_subscriptions_active",
		Help: "Current live subscriptions, by kind (object, view, table)",
	}, []string{"kind"})

	SyncMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foldsync_sync_messages_total",
		Help: "Total sync messages fanned out to subscribers, by op",
	}, []string{"op"})

	SnapshotBytesSent = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "foldsync_snapshot_bytes",
		Help:    "Size of object snapshots sent on subscribe",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	QueuePostsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldsync_queue_posts_total",
		Help: "Total messages posted to queues",
	})

	WriteAheadAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldsync_wal_appends_total",
		Help: "Total records appended to the Kafka write-ahead log",
	})

	WriteAheadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldsync_wal_failures_total",
		Help: "Total write-ahead log append failures",
	})

	AlertsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foldsync_alerts_sent_total",
		Help: "Total operational alerts dispatched, by level",
	}, []string{"level"})

	ResourceRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foldsync_resource_rejections_total",
		Help: "Total session admissions rejected by the resource guard, by reason",
	}, []string{"reason"})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foldsync_cpu_usage_percent",
		Help: "Current CPU usage relative to the container allocation",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foldsync_memory_usage_bytes",
		Help: "Current process memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foldsync_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		SessionsActive,
		SessionsRejected,
		AuthFailuresTotal,
		SubscriptionsActive,
		SyncMessagesTotal,
		SnapshotBytesSent,
		QueuePostsTotal,
		WriteAheadAppendsTotal,
		WriteAheadFailuresTotal,
		AlertsSentTotal,
		ResourceRejectionsTotal,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSync increments the sync-message counter for op.
func RecordSync(op string) {
	SyncMessagesTotal.WithLabelValues(op).Inc()
}

// RecordRejection increments the resource-guard rejection counter for
// reason and keeps the Prometheus label cardinality bounded to the
// small fixed set internal/platform produces.
func RecordRejection(reason string) {
	ResourceRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordAlert increments the alert-dispatch counter for level.
func RecordAlert(level string) {
	AlertsSentTotal.WithLabelValues(level).Inc()
}

// Sample captures a point-in-time resource snapshot, used by
// internal/platform's periodic collector.
type Sample struct {
	CPUPercent float64
	MemoryRSS  int64
	Goroutines int
}

// Observe publishes one Sample's fields to their gauges.
func Observe(s Sample) {
	CPUUsagePercent.Set(s.CPUPercent)
	MemoryUsageBytes.Set(float64(s.MemoryRSS))
	GoroutinesActive.Set(float64(s.Goroutines))
}

// TrackSnapshotSize records how many bytes one object snapshot took,
// for capacity planning against the cost of a snapshot-on-subscribe.
func TrackSnapshotSize(n int) { SnapshotBytesSent.Observe(float64(n)) }
