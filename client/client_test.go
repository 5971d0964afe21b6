package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/protogate/model"
)

func TestCall_success(t *testing.T) {
	var gotPath, gotCorr, gotAuth string
	var gotParams map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotCorr = r.Header.Get("X-Correlation-Id")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotParams)
		json.NewEncoder(w).Encode(model.StandardResponse{
			Success:       true,
			Status:        model.StatusSuccess,
			CorrelationID: gotCorr,
			ServiceName:   "user-api",
			Payload:       map[string]any{"name": "Ann"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithBearerToken("tok"))
	ctx := ContextWithCorrelationID(context.Background(), "corr-9")
	resp, err := c.Call(ctx, "user-api", map[string]any{"id": "42"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if gotPath != "/adapter/call/user-api" {
		t.Errorf("path = %q", gotPath)
	}
	if gotCorr != "corr-9" {
		t.Errorf("X-Correlation-Id = %q, want corr-9", gotCorr)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotParams["id"] != "42" {
		t.Errorf("params = %v", gotParams)
	}
	if !resp.Success || resp.CorrelationID != "corr-9" {
		t.Errorf("response = %+v", resp)
	}
	payload, _ := resp.Payload.(map[string]any)
	if payload["name"] != "Ann" {
		t.Errorf("payload = %v", resp.Payload)
	}
}

func TestCall_downstreamFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.StandardResponse{
			Status: model.StatusCircuitOpen,
			Error:  &model.ErrorDetails{ErrorCode: model.ErrCircuitOpen},
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).Call(context.Background(), "billing", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.ErrorCode != model.ErrCircuitOpen {
		t.Errorf("response = %+v, want circuit open error", resp)
	}
}

func TestCall_retriesGatewayErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(model.StandardResponse{Success: true, Status: model.StatusSuccess})
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(3, time.Millisecond))
	resp, err := c.Call(context.Background(), "svc", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success {
		t.Error("expected success after retries")
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("hits = %d, want 3", n)
	}
}

func TestCall_retriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithRetry(2, time.Millisecond)).Call(context.Background(), "svc", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != 503 {
		t.Fatalf("err = %v, want StatusError 503", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("hits = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestCall_rejectionIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": model.NewBadRequestError("request body must be a JSON object"),
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithRetry(3, time.Millisecond)).Call(context.Background(), "svc", nil)
	if !IsRejected(err) {
		t.Fatalf("err = %v, want rejection", err)
	}
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) || ee.Code != model.ErrBadRequest {
		t.Errorf("envelope = %v, want BAD_REQUEST", ee)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("hits = %d, want 1", n)
	}
}

func TestCall_connectionRefusedIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	start := time.Now()
	_, err := New(addr, WithRetry(2, 5*time.Millisecond)).Call(context.Background(), "svc", nil)
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if IsRejected(err) {
		t.Error("connection failure should not be a rejection")
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("expected at least one backoff wait")
	}
}

func TestCall_cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(srv.URL).Call(ctx, "svc", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/adapter/services" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"services": []string{"a", "b"}, "count": 2})
	}))
	defer srv.Close()

	names, err := New(srv.URL).Services(context.Background())
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(names) != 2 || names[0] != "a" {
		t.Errorf("names = %v", names)
	}
}
