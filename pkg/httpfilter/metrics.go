package httpfilter

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-guard/pkg/firewall"
)

// Dispositions label guard_requests_total.
const (
	DispositionAllowed     = "allowed"
	DispositionBlocked     = "blocked"
	DispositionRedirected  = "redirected"
	DispositionRejected    = "rejected"
	DispositionUnavailable = "unavailable"
)

// Metrics holds the Prometheus metrics for the filter.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	ruleFailures       *prometheus.CounterVec
	suppressedActions  *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	configReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_requests_total",
				Help: "Total number of filtered requests by pipeline and disposition",
			},
			[]string{"pipeline", "disposition"},
		),

		ruleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_rule_failures_total",
				Help: "Total number of failed rule checks by rule type",
			},
			[]string{"pipeline", "rule_type"},
		),

		suppressedActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_suppressed_actions_total",
				Help: "Total number of necessary actions suppressed by an earlier rule",
			},
			[]string{"pipeline", "rule_type"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guard_evaluation_duration_seconds",
				Help:    "Pipeline evaluation latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"pipeline"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.ruleFailures,
		m.suppressedActions,
		m.evaluationDuration,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordVerdict records the outcome of one evaluation.
func (m *Metrics) RecordVerdict(pipelineID string, verdict firewall.Verdict, duration time.Duration) {
	m.requestsTotal.WithLabelValues(pipelineID, disposition(verdict)).Inc()
	m.evaluationDuration.WithLabelValues(pipelineID).Observe(duration.Seconds())
	for _, a := range verdict.Failures() {
		m.ruleFailures.WithLabelValues(pipelineID, a.RuleType).Inc()
	}
	for _, a := range verdict.Suppressed() {
		m.suppressedActions.WithLabelValues(pipelineID, a.RuleType).Inc()
	}
}

// RecordDisposition counts a request that never reached evaluation.
func (m *Metrics) RecordDisposition(pipelineID, disposition string) {
	m.requestsTotal.WithLabelValues(pipelineID, disposition).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records method, status and latency of every request.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

func disposition(v firewall.Verdict) string {
	switch v.Final.Kind {
	case firewall.KindBlock:
		return DispositionBlocked
	case firewall.KindRedirect:
		return DispositionRedirected
	default:
		return DispositionAllowed
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}
