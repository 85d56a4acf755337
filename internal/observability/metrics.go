package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	platformDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// breakerStateValues maps breaker state names to gauge values.
var breakerStateValues = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Metrics holds all Prometheus metric instruments for casedesk.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Platform metrics
	PlatformRequestsTotal   *prometheus.CounterVec
	PlatformRequestDuration *prometheus.HistogramVec
	PlatformRetriesTotal    *prometheus.CounterVec
	PlatformBreakerState    prometheus.Gauge

	// Polling metrics
	PollResultsTotal *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge

	// Review metrics
	ValidatorDecisionsTotal *prometheus.CounterVec
	CompletionsTotal        *prometheus.CounterVec
	ReviewActionsTotal      *prometheus.CounterVec

	// Capability cache
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// Definition metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionStages      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casedesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casedesk_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casedesk_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		PlatformRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_platform_requests_total",
			Help: "Total number of insurance platform requests.",
		}, []string{"operation", "status"}),
		PlatformRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casedesk_platform_request_duration_seconds",
			Help:    "Insurance platform request duration in seconds, retries included.",
			Buckets: platformDurationBuckets,
		}, []string{"operation"}),
		PlatformRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_platform_retries_total",
			Help: "Total number of insurance platform request retries.",
		}, []string{"operation"}),
		PlatformBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casedesk_platform_circuit_breaker_state",
			Help: "Platform circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		PollResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_poll_results_total",
			Help: "Total poll results by target and result (ok, error, stale).",
		}, []string{"target", "result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casedesk_active_sessions",
			Help: "Number of watched workflow sessions.",
		}),

		ValidatorDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_validator_decisions_total",
			Help: "Total manual completion validator decisions by outcome.",
		}, []string{"outcome"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_manual_completions_total",
			Help: "Total manual completion attempts by result.",
		}, []string{"result"}),
		ReviewActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_review_actions_total",
			Help: "Total review actions by action and result.",
		}, []string{"action", "result"}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casedesk_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casedesk_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_definition_reload_total",
			Help: "Total workflow definition reloads.",
		}, []string{"status"}),
		DefinitionStages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casedesk_definition_stages",
			Help: "Number of stages in the active workflow definition.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.PlatformRequestsTotal,
		m.PlatformRequestDuration,
		m.PlatformRetriesTotal,
		m.PlatformBreakerState,
		m.PollResultsTotal,
		m.ActiveSessions,
		m.ValidatorDecisionsTotal,
		m.CompletionsTotal,
		m.ReviewActionsTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.DefinitionReloadTotal,
		m.DefinitionStages,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordPlatformRequest records one platform call. A zero status means the
// call never produced a response.
func (m *Metrics) RecordPlatformRequest(operation string, status int, duration time.Duration) {
	label := strconv.Itoa(status)
	if status == 0 {
		label = "error"
	}
	m.PlatformRequestsTotal.WithLabelValues(operation, label).Inc()
	m.PlatformRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPlatformRetry records a platform request retry.
func (m *Metrics) RecordPlatformRetry(operation string) {
	m.PlatformRetriesTotal.WithLabelValues(operation).Inc()
}

// SetPlatformBreakerState sets the breaker gauge from a state name.
func (m *Metrics) SetPlatformBreakerState(state string) {
	if v, ok := breakerStateValues[state]; ok {
		m.PlatformBreakerState.Set(v)
	}
}

// RecordPollResult records a poll result for target ("case", "queue",
// "claims").
func (m *Metrics) RecordPollResult(target, result string) {
	m.PollResultsTotal.WithLabelValues(target, result).Inc()
}

// SetActiveSessions sets the number of watched sessions.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordValidatorDecision records a validator decision.
func (m *Metrics) RecordValidatorDecision(outcome string) {
	m.ValidatorDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletion records a manual completion attempt.
func (m *Metrics) RecordCompletion(result string) {
	m.CompletionsTotal.WithLabelValues(result).Inc()
}

// RecordReviewAction records a review action.
func (m *Metrics) RecordReviewAction(action, result string) {
	m.ReviewActionsTotal.WithLabelValues(action, result).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a workflow definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionStages sets the stage count of the active definition.
func (m *Metrics) SetDefinitionStages(n int) {
	m.DefinitionStages.Set(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets the websocket upgrader take over the connection.
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observability: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
