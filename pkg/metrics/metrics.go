package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store (C1) metrics
	StoreWatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnoe_store_watch_events_total",
			Help: "Total number of store watch events observed, by prefix and type",
		},
		[]string{"prefix", "type"},
	)

	StoreWatchReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnoe_store_watch_reconnects_total",
			Help: "Total number of times a prefix watch was reopened after stream termination",
		},
		[]string{"prefix"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nnoe_store_operation_duration_seconds",
			Help:    "Duration of store Get/Put/Delete/ListPrefix calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache (C2) metrics
	CacheEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nnoe_cache_entries_total",
			Help: "Total number of entries currently held in the local cache",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nnoe_cache_evictions_total",
			Help: "Total number of cache entries evicted by TTL or size-based sweeps",
		},
	)

	CacheSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nnoe_cache_sweep_duration_seconds",
			Help:    "Duration of a cache sweep pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Plugin registry / adapter (C3/C4/C5) metrics
	AdapterHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nnoe_adapter_healthy",
			Help: "Whether an adapter's last health check reported healthy (1) or not (0)",
		},
		[]string{"adapter"},
	)

	AdapterReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnoe_adapter_reloads_total",
			Help: "Total number of reloads performed by an adapter, by outcome",
		},
		[]string{"adapter", "outcome"},
	)

	AdapterConfigChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnoe_adapter_config_changes_total",
			Help: "Total number of config-change events handled by an adapter, by outcome",
		},
		[]string{"adapter", "outcome"},
	)

	// DHCP HA coordinator (C6) metrics
	HaState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nnoe_dhcp_ha_state",
			Help: "Current HA state of the DHCP coordinator for a pair (1 = active value, one series per state label)",
		},
		[]string{"ha_pair", "state"},
	)

	HaTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnoe_dhcp_ha_transitions_total",
			Help: "Total number of HA state transitions observed, by pair and new state",
		},
		[]string{"ha_pair", "state"},
	)

	// Overlay supervisor (C7) metrics
	OverlayRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nnoe_overlay_restarts_total",
			Help: "Total number of times the overlay supervisor restarted its child process",
		},
	)

	OverlayRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nnoe_overlay_running",
			Help: "Whether the overlay child process is currently believed to be running",
		},
	)

	// Security auditor metrics
	AuditLastScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nnoe_audit_last_score",
			Help: "Hardening index from the most recent completed security audit",
		},
	)

	AuditRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnoe_audit_runs_total",
			Help: "Total number of security-audit runs, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		StoreWatchEventsTotal,
		StoreWatchReconnectsTotal,
		StoreOperationDuration,
		CacheEntriesTotal,
		CacheEvictionsTotal,
		CacheSweepDuration,
		AdapterHealthy,
		AdapterReloadsTotal,
		AdapterConfigChangesTotal,
		HaState,
		HaTransitionsTotal,
		OverlayRestartsTotal,
		OverlayRunning,
		AuditLastScore,
		AuditRunsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
