// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectorRequests counts provider HTTP calls by platform and outcome.
	ConnectorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_connector_requests_total",
			Help: "Provider API requests by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	// ConnectorErrors counts classified connector failures.
	ConnectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_connector_errors_total",
			Help: "Classified connector errors by platform and kind",
		},
		[]string{"platform", "kind"},
	)

	// TokenRefreshes counts OAuth refresh attempts.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_token_refreshes_total",
			Help: "OAuth token refresh attempts by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	// CircuitBreakerState reports breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_circuit_breaker_state",
			Help: "Circuit breaker state per breaker name",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// CatalogItems counts upserted posts by result.
	CatalogItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_catalog_items_total",
			Help: "Catalog upsert results by platform",
		},
		[]string{"platform", "result"},
	)

	// HistoryDays counts history snapshot writes by result.
	HistoryDays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_history_days_total",
			Help: "Follower history day writes by platform and result",
		},
		[]string{"platform", "result"},
	)

	// SyncRuns counts sync invocations by outcome.
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sync_runs_total",
			Help: "Sync runs by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	// SyncDuration observes wall-clock time of a platform sync.
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_sync_duration_seconds",
			Help:    "Duration of a platform sync",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"platform"},
	)

	// QuotaUnits tracks units consumed against the provider daily budget.
	QuotaUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_quota_units_total",
			Help: "Provider quota units consumed",
		},
		[]string{"key"},
	)
)
