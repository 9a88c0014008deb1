package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the sync daemon.
	Registry = prometheus.NewRegistry()

	// UpdatesApplied counts updates accepted by the reconciler, by update type.
	UpdatesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_updates_applied_total", Help: "Updates applied to order state."},
		[]string{"update_type"},
	)
	// UpdatesDropped counts updates discarded before application, by reason
	// (stale, duplicate, malformed, invalid_transition, unknown_order,
	// evicted).
	UpdatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_updates_dropped_total", Help: "Updates discarded by reason."},
		[]string{"reason"},
	)
	// Reconnects counts reconnect attempts by outcome.
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_reconnect_attempts_total", Help: "Reconnect attempts by outcome."},
		[]string{"outcome"},
	)
	// PollFetches counts poll-fallback snapshot fetches by outcome.
	PollFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_poll_fetches_total", Help: "Poll fallback fetches by outcome."},
		[]string{"outcome"},
	)
	// SnapshotsApplied counts full-order snapshot applications by outcome
	// (applied, stale).
	SnapshotsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_snapshots_total", Help: "Snapshot applications by outcome."},
		[]string{"outcome"},
	)
	// HTTPRequests counts API requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
)

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(UpdatesApplied)
		Registry.MustRegister(UpdatesDropped)
		Registry.MustRegister(Reconnects)
		Registry.MustRegister(PollFetches)
		Registry.MustRegister(SnapshotsApplied)
		Registry.MustRegister(HTTPRequests)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
