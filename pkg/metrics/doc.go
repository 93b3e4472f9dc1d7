/*
Package metrics provides Prometheus metrics collection and exposition for the
agent.

The package defines and registers every agent metric using the Prometheus
client library, giving observability into store connectivity, cache behavior,
adapter health, DHCP HA coordination, and the overlay supervisor. Metrics are
exposed via an HTTP endpoint for scraping by Prometheus servers, alongside a
separate liveness/readiness/health surface in health.go.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (cache size)         │          │
	│  │  Counter: Monotonic increases (watch events)│          │
	│  │  Histogram: Distributions (op duration)     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Store (C1): watch events, reconnects       │          │
	│  │  Cache (C2): entries, evictions, sweep time │          │
	│  │  Adapters (C3-C5): healthy, reloads, config │          │
	│  │  DHCP HA (C6): state, transitions           │          │
	│  │  Overlay (C7): restarts, running             │          │
	│  │  Audit: last score, run outcomes            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Store (C1) Metrics:

nnoe_store_watch_events_total{prefix, type}:
  - Type: Counter
  - Description: Total store watch events observed, by prefix and type (put/delete)

nnoe_store_watch_reconnects_total{prefix}:
  - Type: Counter
  - Description: Total times a prefix watch was reopened after stream termination

nnoe_store_operation_duration_seconds{operation}:
  - Type: Histogram
  - Description: Duration of Get/Put/Delete/ListPrefix calls

Cache (C2) Metrics:

nnoe_cache_entries_total:
  - Type: Gauge
  - Description: Entries currently held in the local cache

nnoe_cache_evictions_total:
  - Type: Counter
  - Description: Cache entries evicted by TTL or size-based sweeps

nnoe_cache_sweep_duration_seconds:
  - Type: Histogram
  - Description: Duration of a cache sweep pass

Adapter (C3/C4/C5) Metrics:

nnoe_adapter_healthy{adapter}:
  - Type: Gauge
  - Description: Whether an adapter's last health check reported healthy (1) or not (0)

nnoe_adapter_reloads_total{adapter, outcome}:
  - Type: Counter
  - Description: Reloads performed by an adapter, by outcome

nnoe_adapter_config_changes_total{adapter, outcome}:
  - Type: Counter
  - Description: Config-change events handled by an adapter, by outcome

DHCP HA (C6) Metrics:

nnoe_dhcp_ha_state{ha_pair, state}:
  - Type: Gauge
  - Description: Current HA state of the DHCP coordinator for a pair

nnoe_dhcp_ha_transitions_total{ha_pair, state}:
  - Type: Counter
  - Description: HA state transitions observed, by pair and new state

Overlay (C7) Metrics:

nnoe_overlay_restarts_total:
  - Type: Counter
  - Description: Times the overlay supervisor restarted its child process

nnoe_overlay_running:
  - Type: Gauge
  - Description: Whether the overlay child process is currently believed to be running

Audit Metrics:

nnoe_audit_last_score:
  - Type: Gauge
  - Description: Hardening index from the most recent completed security audit

nnoe_audit_runs_total{outcome}:
  - Type: Counter
  - Description: Security-audit runs, by outcome

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/nnoe-agent/pkg/metrics"

	metrics.CacheEntriesTotal.Set(float64(cache.Size()))
	metrics.OverlayRunning.Set(1)

Updating Counter Metrics:

	metrics.StoreWatchEventsTotal.WithLabelValues("dns/zones", "put").Inc()
	metrics.CacheEvictionsTotal.Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	value, ok, err := store.Get(ctx, key)
	timer.ObserveDurationVec(metrics.StoreOperationDuration, "get")

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/live", metrics.LivenessHandler())
	http.ListenAndServe(":9090", nil)

# Integration Points

This package integrates with:

  - cmd/nnoe-agent: registers component health (store, cache, overlay)
    for /health and /ready, sets the version, and serves the handlers
  - Prometheus: scrapes /metrics endpoint

The store, cache, adapter, HA, overlay and audit series are defined and
exported here; no other package of the agent updates them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels such as zone names or record IDs

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
