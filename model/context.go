package model

import (
	"context"
	"time"
)

// InvocationContext is owned by a single call to the orchestration engine.
// It carries the correlation ID and the enrichment variables, and accumulates
// the timings reported in PerformanceMetrics. It is not shared between
// goroutines.
type InvocationContext struct {
	CorrelationID string
	ServiceName   string
	StartedAt     time.Time
	SystemName    string
	SystemVersion string

	Attempts       int
	DownstreamTime time.Duration
	AuthTime       time.Duration
}

// RequestVars returns the variables merged into the outgoing request data.
func (ic *InvocationContext) RequestVars(now time.Time) map[string]any {
	return map[string]any{
		"correlationId": ic.CorrelationID,
		"timestamp":     now.Format(time.RFC3339Nano),
		"serviceName":   ic.ServiceName,
		"systemVersion": ic.SystemVersion,
	}
}

// ResponseVars returns the variables merged into the response template
// context.
func (ic *InvocationContext) ResponseVars(now time.Time) map[string]any {
	return map[string]any{
		"currentTimeISO": now.UTC().Format(time.RFC3339),
		"systemName":     ic.SystemName,
		"systemVersion":  ic.SystemVersion,
		"correlationId":  ic.CorrelationID,
	}
}

// EnrichParams returns a copy of params with the request variables added.
// Caller-supplied keys win over the enrichment variables.
func (ic *InvocationContext) EnrichParams(params map[string]any, now time.Time) map[string]any {
	vars := ic.RequestVars(now)
	out := make(map[string]any, len(params)+len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

type invocationKey struct{}

// WithInvocationContext attaches an InvocationContext to ctx.
func WithInvocationContext(ctx context.Context, ic *InvocationContext) context.Context {
	return context.WithValue(ctx, invocationKey{}, ic)
}

// InvocationContextFrom returns the InvocationContext stored in ctx, or nil.
func InvocationContextFrom(ctx context.Context) *InvocationContext {
	ic, _ := ctx.Value(invocationKey{}).(*InvocationContext)
	return ic
}
