package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		ServicesLoaded: func() bool { return true },
		Templates:      HealthCheckFunc(func(context.Context) error { return nil }),
	}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ReadinessResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(resp.Checks))
	}
}

func TestHandleReady_noServices(t *testing.T) {
	checks := ReadinessChecks{ServicesLoaded: func() bool { return false }}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp ReadinessResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["services"].Status != "error" || resp.Checks["services"].Error == "" {
		t.Errorf("services check = %+v, want error with message", resp.Checks["services"])
	}
}

func TestHandleReady_templatesUnreadable(t *testing.T) {
	checks := ReadinessChecks{
		ServicesLoaded: func() bool { return true },
		Templates:      HealthCheckFunc(func(context.Context) error { return errors.New("permission denied") }),
	}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp ReadinessResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["templates"].Error != "permission denied" {
		t.Errorf("templates error = %q, want permission denied", resp.Checks["templates"].Error)
	}
}
