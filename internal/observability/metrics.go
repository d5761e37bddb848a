package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the API process. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Credit metrics
	GenerationsCreated      *prometheus.CounterVec
	RefundsIssued           prometheus.Counter
	RefundFailuresExhausted prometheus.Counter
	NegativeBalance         *prometheus.CounterVec
	DebitConflicts          prometheus.Counter
	BalanceCacheHits        prometheus.Counter
	BalanceCacheMisses      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portraitly_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portraitly_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		GenerationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portraitly_generations_created_total",
				Help: "Generations created, by credit source",
			},
			[]string{"source"},
		),
		RefundsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portraitly_refunds_issued_total",
				Help: "Refund rows written for failed generations",
			},
		),
		RefundFailuresExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portraitly_refund_failures_exhausted_total",
				Help: "Refunds that failed after every in-process retry and were handed to the job queue",
			},
		),
		NegativeBalance: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portraitly_negative_balance_total",
				Help: "Computed balances that came out negative",
			},
			[]string{"scope"},
		),
		DebitConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portraitly_debit_conflicts_total",
				Help: "Debits retried after losing a concurrent race",
			},
		),
		BalanceCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portraitly_balance_cache_hits_total",
				Help: "Balance lookups served from cache",
			},
		),
		BalanceCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portraitly_balance_cache_misses_total",
				Help: "Balance lookups computed from the ledger",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GenerationsCreated,
		m.RefundsIssued,
		m.RefundFailuresExhausted,
		m.NegativeBalance,
		m.DebitConflicts,
		m.BalanceCacheHits,
		m.BalanceCacheMisses,
	)
	return m
}

func (m *Metrics) GenerationCreated(source string) {
	if m != nil {
		m.GenerationsCreated.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) RefundIssued() {
	if m != nil {
		m.RefundsIssued.Inc()
	}
}

func (m *Metrics) RefundExhausted() {
	if m != nil {
		m.RefundFailuresExhausted.Inc()
	}
}

func (m *Metrics) NegativeBalanceSeen(scope string) {
	if m != nil {
		m.NegativeBalance.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) DebitConflict() {
	if m != nil {
		m.DebitConflicts.Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.BalanceCacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.BalanceCacheMisses.Inc()
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. The route label is the
// matched mux pattern, so path parameters do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
