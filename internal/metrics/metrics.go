// Package metrics holds the Prometheus collectors shared across creditgate.
// Collectors are registered on the default registry and served by /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerOperations counts ledger mutations by operation and outcome
// (written, skipped, error).
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and outcome.",
}, []string{"op", "outcome"})

// LedgerTxDuration observes transaction latency per operation.
var LedgerTxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "tx_duration_seconds",
	Help:      "Ledger transaction latency.",
	Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
}, []string{"op"})

// LedgerDebitedCredits sums credits debited by reason.
var LedgerDebitedCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "debited_credits_total",
	Help:      "Credits debited by confirmed DEBIT entries.",
}, []string{"reason"})

// ReconcileDrift records the last observed drift between live and ledger balance.
var ReconcileDrift = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "reconcile_drift_credits",
	Help:      "Absolute drift between live balance and ledger sum at reconciliation.",
	Buckets:   []float64{0, 1, 10, 100, 1000, 10000},
})

// GenerationTransitions counts record state transitions.
var GenerationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "generation",
	Name:      "transitions_total",
	Help:      "Generation record transitions by provider and status.",
}, []string{"provider", "status"})

// BillingUnresolved counts completed generations whose charge could not be
// computed or written. Every increment needs manual reconciliation.
var BillingUnresolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "generation",
	Name:      "billing_unresolved_total",
	Help:      "Generations that succeeded but could not be billed.",
}, []string{"provider", "reason"})

// ProviderRequests counts outbound provider calls.
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "provider",
	Name:      "requests_total",
	Help:      "Provider adapter calls by provider, call and result.",
}, []string{"provider", "call", "result"})

// TaskQueueDepth is the number of queued background tasks.
var TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditgate",
	Subsystem: "tasks",
	Name:      "queue_depth",
	Help:      "Background tasks waiting for a worker.",
})

// TaskResults counts finished background tasks.
var TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "tasks",
	Name:      "results_total",
	Help:      "Background task results by kind (ok, failed, dropped).",
}, []string{"kind", "result"})

// MirrorDiscrepancies counts balance mismatches found between the store and
// the Redis mirror.
var MirrorDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "mirror",
	Name:      "discrepancies_total",
	Help:      "Accounts whose mirrored balance disagreed with the store.",
})
