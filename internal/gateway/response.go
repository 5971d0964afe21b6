package gateway

import (
	"time"

	"github.com/pitabwire/protogate/internal/resilience"
	"github.com/pitabwire/protogate/model"
)

// outcome is everything gathered while serving one call.
type outcome struct {
	ic         *model.InvocationContext
	desc       *model.ServiceDescriptor
	payload    any
	err        error
	breaker    resilience.State
	finishedAt time.Time
}

// assemble builds the single response envelope for both paths.
func assemble(o outcome) *model.StandardResponse {
	resp := &model.StandardResponse{
		Success:       o.err == nil,
		CorrelationID: o.ic.CorrelationID,
		Timestamp:     o.finishedAt.UTC(),
		ServiceName:   o.ic.ServiceName,
		Performance:   performance(o),
	}
	if o.desc != nil {
		resp.Protocol = o.desc.Protocol
	}

	if o.err == nil {
		resp.Status = model.StatusSuccess
		resp.Payload = o.payload
		return resp
	}

	details := MapFailure(o.err, o.ic.ServiceName)
	resp.Status = model.StatusForCategory(details.Category)
	resp.Error = &details
	return resp
}

func performance(o outcome) *model.PerformanceMetrics {
	retries := o.ic.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return &model.PerformanceMetrics{
		ExecutionTimeMs:      o.finishedAt.Sub(o.ic.StartedAt).Milliseconds(),
		RetryAttempts:        retries,
		CircuitBreakerState:  o.breaker.String(),
		DownstreamCallTimeMs: o.ic.DownstreamTime.Milliseconds(),
		AuthenticationTimeMs: o.ic.AuthTime.Milliseconds(),
	}
}
