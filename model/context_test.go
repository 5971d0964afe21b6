package model

import (
	"context"
	"testing"
	"time"
)

func TestInvocationContext_EnrichParams(t *testing.T) {
	ic := &InvocationContext{
		CorrelationID: "pg-1234abcd",
		ServiceName:   "user-api",
		SystemVersion: "1.0",
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	got := ic.EnrichParams(map[string]any{"userId": "42", "serviceName": "override"}, now)

	if got["userId"] != "42" {
		t.Errorf("userId = %v, want 42", got["userId"])
	}
	if got["correlationId"] != "pg-1234abcd" {
		t.Errorf("correlationId = %v", got["correlationId"])
	}
	if got["systemVersion"] != "1.0" {
		t.Errorf("systemVersion = %v", got["systemVersion"])
	}
	if got["serviceName"] != "override" {
		t.Errorf("serviceName = %v, want caller value to win", got["serviceName"])
	}
	if _, ok := got["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestInvocationContext_EnrichParamsDoesNotMutateInput(t *testing.T) {
	ic := &InvocationContext{CorrelationID: "pg-1"}
	params := map[string]any{"a": 1}
	ic.EnrichParams(params, time.Now())
	if len(params) != 1 {
		t.Errorf("input mutated: %v", params)
	}
}

func TestInvocationContext_ResponseVars(t *testing.T) {
	ic := &InvocationContext{CorrelationID: "pg-1", SystemName: "PROTOGATE", SystemVersion: "1.0"}
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	vars := ic.ResponseVars(now)
	if vars["currentTimeISO"] != "2026-05-06T07:08:09Z" {
		t.Errorf("currentTimeISO = %v", vars["currentTimeISO"])
	}
	if vars["systemName"] != "PROTOGATE" {
		t.Errorf("systemName = %v", vars["systemName"])
	}
}

func TestInvocationContextFrom_roundTrip(t *testing.T) {
	ic := &InvocationContext{CorrelationID: "pg-xyz"}
	ctx := WithInvocationContext(context.Background(), ic)
	if got := InvocationContextFrom(ctx); got != ic {
		t.Errorf("InvocationContextFrom() = %v, want %v", got, ic)
	}
	if got := InvocationContextFrom(context.Background()); got != nil {
		t.Errorf("InvocationContextFrom(empty) = %v, want nil", got)
	}
}
