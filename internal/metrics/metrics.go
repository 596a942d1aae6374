// Package metrics registers the prometheus collectors shared by the gateway.
// Collectors live on the default registry via promauto and are exposed at
// /-/metrics.
//
//   - shellgate_route_total{app, class, outcome} (Counter): routed requests
//   - shellgate_navigation_timeouts_total{app} (Counter): navigations that lost the race
//   - shellgate_precache_assets_total{app, result} (Counter): stored / failed assets
//   - shellgate_precache_bulk_fallbacks_total{app} (Counter): bulk attempts that fell back
//   - shellgate_generations_deleted_total{app} (Counter): stale generations removed
//   - shellgate_lifecycle_transitions_total{app, state} (Counter): worker state changes
//   - shellgate_cache_errors_total{operation} (Counter): storage errors by operation
//   - shellgate_open_clients{app} (Gauge): clients currently tracked
//   - shellgate_log_entries_total{level} (Counter): warn/error log entries
//
// Example queries:
//
//	# Offline share of navigations
//	sum(rate(shellgate_route_total{class="navigation",outcome!="network"}[5m]))
//	  / sum(rate(shellgate_route_total{class="navigation"}[5m]))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry 为 /-/metrics 暴露使用的 Gatherer。
var Registry = prometheus.DefaultGatherer

var (
	RouteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_route_total",
			Help: "Total number of routed requests by class and outcome",
		},
		[]string{"app", "class", "outcome"},
	)

	NavigationTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_navigation_timeouts_total",
			Help: "Navigations whose network fetch lost the race against the timeout",
		},
		[]string{"app"},
	)

	PrecacheAssets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_precache_assets_total",
			Help: "Precached assets by result",
		},
		[]string{"app", "result"}, // "stored", "failed"
	)

	PrecacheBulkFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_precache_bulk_fallbacks_total",
			Help: "Bulk precache attempts that fell back to per-asset fetches",
		},
		[]string{"app"},
	)

	GenerationsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_generations_deleted_total",
			Help: "Stale cache generations deleted during activation",
		},
		[]string{"app"},
	)

	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_lifecycle_transitions_total",
			Help: "Worker lifecycle transitions by target state",
		},
		[]string{"app", "state"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_cache_errors_total",
			Help: "Snapshot storage errors by operation",
		},
		[]string{"operation"}, // "get", "put", "create", "list", "delete"
	)

	LogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellgate_log_entries_total",
			Help: "Log entries at warn level or above",
		},
		[]string{"level"},
	)

	OpenClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shellgate_open_clients",
			Help: "Clients currently tracked per app",
		},
		[]string{"app"},
	)
)
