package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordInvocation("svc", "REST_JSON", "SUCCESS", time.Millisecond)
	m.RecordDownstreamRequest("svc", 200, time.Millisecond)
	m.RecordRetry("svc")
	m.SetCircuitBreakerState("svc", 0)
	m.RecordTokenFetch("https://idp/token", "ok")
	m.RecordTemplateLoad("ok")
	m.SetServicesLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"protogate_http_requests_total",
		"protogate_http_request_duration_seconds",
		"protogate_http_request_size_bytes",
		"protogate_http_response_size_bytes",
		"protogate_invocations_total",
		"protogate_invocation_duration_seconds",
		"protogate_downstream_requests_total",
		"protogate_downstream_duration_seconds",
		"protogate_retries_total",
		"protogate_circuit_breaker_state",
		"protogate_token_fetches_total",
		"protogate_template_cache_loads_total",
		"protogate_services_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordInvocation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInvocation("user-api", "REST_JSON", "SUCCESS", 20*time.Millisecond)
	m.RecordInvocation("user-api", "REST_JSON", "SUCCESS", 30*time.Millisecond)
	m.RecordInvocation("user-api", "REST_JSON", "TECHNICAL_ERROR", 5*time.Millisecond)

	if v := testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("user-api", "REST_JSON", "SUCCESS")); v != 2 {
		t.Errorf("success invocations = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("user-api", "REST_JSON", "TECHNICAL_ERROR")); v != 1 {
		t.Errorf("technical errors = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(m.InvocationDuration); n == 0 {
		t.Error("expected invocation duration observations")
	}
}

func TestRecordDownstreamRequest_noResponse(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDownstreamRequest("billing", 0, time.Millisecond)
	m.RecordDownstreamRequest("billing", 503, time.Millisecond)

	if v := testutil.ToFloat64(m.DownstreamRequestsTotal.WithLabelValues("billing", "error")); v != 1 {
		t.Errorf("error requests = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.DownstreamRequestsTotal.WithLabelValues("billing", "503")); v != 1 {
		t.Errorf("503 requests = %v, want 1", v)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCircuitBreakerState("billing", 2)
	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("billing")); v != 2 {
		t.Errorf("breaker state = %v, want 2", v)
	}
	m.SetCircuitBreakerState("billing", 0)
	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("billing")); v != 0 {
		t.Errorf("breaker state = %v, want 0", v)
	}
}

func TestRecordRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRetry("billing")
	m.RecordRetry("billing")
	if v := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("billing")); v != 2 {
		t.Errorf("retries = %v, want 2", v)
	}
}

func TestRecordTokenFetchAndTemplateLoad(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTokenFetch("https://idp/token", "error")
	m.RecordTemplateLoad("ok")
	m.RecordTemplateLoad("ok")

	if v := testutil.ToFloat64(m.TokenFetchesTotal.WithLabelValues("https://idp/token", "error")); v != 1 {
		t.Errorf("token fetch errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TemplateCacheLoadsTotal.WithLabelValues("ok")); v != 2 {
		t.Errorf("template loads = %v, want 2", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/adapter/call/{serviceName}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/adapter/call/user-api", strings.NewReader(`{}`))
	r.ServeHTTP(httptest.NewRecorder(), req)

	v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/adapter/call/{serviceName}", "200"))
	if v != 1 {
		t.Errorf("requests for route pattern = %v, want 1", v)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/raw/path", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/raw/path", "400")); v != 1 {
		t.Errorf("requests = %v, want 1", v)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetServicesLoaded(4)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "protogate_services_loaded 4") {
		t.Errorf("metrics output missing protogate_services_loaded:\n%s", rec.Body.String())
	}
}
