// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesOpened counts user trades opened, partitioned by strategy.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_ledger_trades_opened_total",
		Help: "User trades opened",
	}, []string{"strategy"})

	// TradesClosed counts user trades closed, partitioned by terminal status.
	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_ledger_trades_closed_total",
		Help: "User trades closed",
	}, []string{"status"})

	// TradesRejected counts rejected open/close requests by reason.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_ledger_trades_rejected_total",
		Help: "Trade requests rejected",
	}, []string{"reason"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_ledger_reconcile_runs_total",
		Help: "Reconciliation runs by outcome",
	}, []string{"outcome"})

	ReconcileSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spread_ledger_reconcile_synced_total",
		Help: "Broker spreads upserted by reconciliation",
	})

	ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spread_ledger_reconcile_skipped_total",
		Help: "Broker entries skipped by reconciliation",
	})

	// BrokerUnavailable counts broker calls that degraded to "unavailable".
	BrokerUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_ledger_broker_unavailable_total",
		Help: "Broker calls that resolved to unavailable",
	}, []string{"operation"})

	// LockWait tracks how long callers waited for a per-user lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spread_ledger_lock_wait_seconds",
		Help:    "Time spent waiting for a per-user ledger lock",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spread_ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency. The path label is the chi
// route pattern so user ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
