package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	downstreamDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the gateway.
type Metrics struct {
	// HTTP front-end
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Invocations
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// Downstream
	DownstreamRequestsTotal *prometheus.CounterVec
	DownstreamDuration      *prometheus.HistogramVec
	RetriesTotal            *prometheus.CounterVec
	CircuitBreakerState     *prometheus.GaugeVec

	// Collaborators
	TokenFetchesTotal       *prometheus.CounterVec
	TemplateCacheLoadsTotal *prometheus.CounterVec
	ServicesLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protogate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protogate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protogate_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protogate_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protogate_invocations_total",
			Help: "Total number of service invocations by outcome.",
		}, []string{"service", "protocol", "status"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protogate_invocation_duration_seconds",
			Help:    "End-to-end invocation duration in seconds.",
			Buckets: downstreamDurationBuckets,
		}, []string{"service"}),

		DownstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protogate_downstream_requests_total",
			Help: "Total number of downstream HTTP requests.",
		}, []string{"service", "status"}),
		DownstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protogate_downstream_duration_seconds",
			Help:    "Downstream request duration in seconds.",
			Buckets: downstreamDurationBuckets,
		}, []string{"service"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protogate_retries_total",
			Help: "Total number of downstream retries.",
		}, []string{"service"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protogate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),

		TokenFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protogate_token_fetches_total",
			Help: "Total number of OAuth2 token endpoint calls.",
		}, []string{"endpoint", "result"}),
		TemplateCacheLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protogate_template_cache_loads_total",
			Help: "Total number of template compilations.",
		}, []string{"result"}),
		ServicesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "protogate_services_loaded",
			Help: "Number of registered service descriptors.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.InvocationsTotal,
		m.InvocationDuration,
		m.DownstreamRequestsTotal,
		m.DownstreamDuration,
		m.RetriesTotal,
		m.CircuitBreakerState,
		m.TokenFetchesTotal,
		m.TemplateCacheLoadsTotal,
		m.ServicesLoaded,
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

// RecordInvocation records the outcome of one Engine.Invoke call.
func (m *Metrics) RecordInvocation(service, protocol, status string, duration time.Duration) {
	m.InvocationsTotal.WithLabelValues(service, protocol, status).Inc()
	m.InvocationDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordDownstreamRequest records one transport round trip. A status of 0
// means no response was received.
func (m *Metrics) RecordDownstreamRequest(service string, status int, duration time.Duration) {
	label := strconv.Itoa(status)
	if status == 0 {
		label = "error"
	}
	m.DownstreamRequestsTotal.WithLabelValues(service, label).Inc()
	m.DownstreamDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(service string) {
	m.RetriesTotal.WithLabelValues(service).Inc()
}

// SetCircuitBreakerState sets the breaker gauge for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(service string, state float64) {
	m.CircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordTokenFetch records a token endpoint call; result is "ok" or "error".
func (m *Metrics) RecordTokenFetch(endpoint, result string) {
	m.TokenFetchesTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordTemplateLoad records a template compilation; result is "ok" or "error".
func (m *Metrics) RecordTemplateLoad(result string) {
	m.TemplateCacheLoadsTotal.WithLabelValues(result).Inc()
}

// SetServicesLoaded sets the number of registered services.
func (m *Metrics) SetServicesLoaded(count int) {
	m.ServicesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route pattern
// rather than the raw path.
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

// Handler returns the Prometheus handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

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
