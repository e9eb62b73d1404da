// Package metrics provides Prometheus instrumentation for the Agora settlement core.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agora",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WorkflowsTotal counts settlement workflow runs by workflow and outcome.
	// outcome is "ok" or the error kind (identifier_not_found, precondition_failed, ...).
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "settlement_workflows_total",
			Help:      "Settlement workflow runs by workflow (initiate/release/cancel) and outcome.",
		},
		[]string{"workflow", "outcome"},
	)

	// ChainCallDuration observes latency of gateway calls by operation.
	ChainCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agora",
			Name:      "chain_call_duration_seconds",
			Help:      "Duration of chain gateway operations in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)

	// ResolverOutcomes counts identifier resolutions by strategy that produced the id.
	ResolverOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "identifier_resolutions_total",
			Help:      "Identifier resolutions by strategy (stored, receipt, scan, not_found).",
		},
		[]string{"strategy"},
	)

	// LedgerConflictsTotal counts conditional updates that lost a race.
	LedgerConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "ledger_conflicts_total",
			Help:      "Conditional ledger updates rejected because the expected status changed.",
		},
	)

	// ReconciliationsTotal counts ledger-only repairs after on-chain terminal state.
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "ledger_reconciliations_total",
			Help:      "Ledger rows repaired to match terminal on-chain state, by target status.",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			WorkflowsTotal,
			ChainCallDuration,
			ResolverOutcomes,
			LedgerConflictsTotal,
			ReconciliationsTotal,
		)
	})
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments gin requests.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// ObserveChainCall records the duration of a gateway operation.
func ObserveChainCall(op string, start time.Time) {
	ChainCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
