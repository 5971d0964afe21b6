// Package gateway is the orchestration engine: it resolves a service, computes
// credentials, runs the protocol handler under the resilience policies,
// normalizes the reply and always answers with one StandardResponse.
package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/protogate/internal/observability"
	"github.com/pitabwire/protogate/internal/resilience"
	"github.com/pitabwire/protogate/model"
)

// ServiceResolver looks up service descriptors.
type ServiceResolver interface {
	Resolve(name string) (*model.ServiceDescriptor, error)
	Names() []string
}

// HandlerLookup returns the handler for a protocol tag.
type HandlerLookup interface {
	Handler(p model.Protocol) (model.ProtocolHandler, error)
}

// CredentialSource computes outbound credentials for a descriptor.
type CredentialSource interface {
	Resolve(ctx context.Context, desc *model.ServiceDescriptor) (model.Credentials, error)
}

// ResponseNormalizer turns a raw reply into a payload.
type ResponseNormalizer interface {
	Normalize(ctx context.Context, desc *model.ServiceDescriptor, raw model.RawResponse, ic *model.InvocationContext) (any, error)
}

// InvocationEvent describes the outcome of one Invoke call.
type InvocationEvent struct {
	Service   string
	Protocol  model.Protocol
	Status    model.ResponseStatus
	ErrorCode string
	Attempts  int
	Duration  time.Duration
}

// InvocationObserver receives an event after every Invoke.
type InvocationObserver interface {
	OnInvocation(ctx context.Context, event InvocationEvent)
}

// EngineOption configures optional dependencies.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithObserver adds an invocation observer.
func WithObserver(obs InvocationObserver) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, obs) }
}

// WithSystem sets the system name and version exposed to templates.
func WithSystem(name, version string) EngineOption {
	return func(e *Engine) {
		e.systemName = name
		e.systemVersion = version
	}
}

// Engine is safe for concurrent use. Each Invoke owns its InvocationContext.
type Engine struct {
	services    ServiceResolver
	handlers    HandlerLookup
	credentials CredentialSource
	executor    *resilience.Executor
	normalizer  ResponseNormalizer

	logger        *zap.Logger
	observers     []InvocationObserver
	systemName    string
	systemVersion string
}

// NewEngine creates an Engine with its required dependencies.
func NewEngine(
	services ServiceResolver,
	handlers HandlerLookup,
	credentials CredentialSource,
	executor *resilience.Executor,
	normalizer ResponseNormalizer,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		services:      services,
		handlers:      handlers,
		credentials:   credentials,
		executor:      executor,
		normalizer:    normalizer,
		logger:        zap.NewNop(),
		systemName:    "PROTOGATE",
		systemVersion: "1.0",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Services lists the registered service names in order.
func (e *Engine) Services() []string {
	return e.services.Names()
}

// Invoke calls a downstream service by name. It never returns nil, never
// returns an error and never panics: every failure is reported inside the
// response.
func (e *Engine) Invoke(ctx context.Context, service string, params map[string]any) (resp *model.StandardResponse) {
	correlationID := CorrelationIDFrom(ctx)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	ic := &model.InvocationContext{
		CorrelationID: correlationID,
		ServiceName:   service,
		StartedAt:     time.Now(),
		SystemName:    e.systemName,
		SystemVersion: e.systemVersion,
	}
	ctx = model.WithInvocationContext(ctx, ic)
	ctx, span := observability.StartSpan(ctx, "gateway.invoke",
		observability.AttrService.String(service),
		observability.AttrCorrelationID.String(correlationID),
	)
	logger := observability.InvocationLogger(ctx, e.logger)

	o := &outcome{ic: ic}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("invocation panicked", zap.Any("panic", r), zap.Stack("stack"))
			o.payload = nil
			o.err = model.NewFailure(model.KindTechnical, "internal error: %v", r)
		}
		o.finishedAt = time.Now()
		if o.desc != nil {
			o.breaker = e.executor.Breakers().State(o.desc.Name)
		}
		resp = assemble(*o)
		e.finish(ctx, span, logger, o, resp)
	}()

	if ce := logger.Check(zapcore.DebugLevel, "invocation started"); ce != nil {
		ce.Write(zap.Any("params", observability.RedactBody(params, nil)))
	}
	e.run(ctx, o, service, params)
	return resp
}

func (e *Engine) run(ctx context.Context, o *outcome, service string, params map[string]any) {
	ic := o.ic

	// Step 1: Resolve the descriptor.
	desc, err := e.services.Resolve(service)
	if err != nil {
		o.err = err
		return
	}
	o.desc = desc
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrProtocol.String(string(desc.Protocol)))

	// Step 2: Look up the protocol handler.
	handler, err := e.handlers.Handler(desc.Protocol)
	if err != nil {
		o.err = err
		return
	}

	// Step 3: Compute credentials. Authentication failures are retried only
	// when the service lists AUTHENTICATION in its allowlist; the breaker
	// does not see these attempts.
	authStart := time.Now()
	var creds model.Credentials
	_, err = e.executor.Retry(ctx, desc.Name, desc.Resilience.Retry, func(ctx context.Context, _ int) error {
		c, err := e.credentials.Resolve(ctx, desc)
		if err != nil {
			return err
		}
		creds = c
		return nil
	})
	ic.AuthTime = time.Since(authStart)
	if err != nil {
		o.err = err
		return
	}

	// Step 4: Bound the remaining work by the total timeout.
	if total := desc.Resilience.Timeouts.Total; total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	// Step 5: Call downstream under breaker, limiter and retry.
	var raw model.RawResponse
	attempts, err := e.executor.Execute(ctx, desc.Name, desc.Resilience, func(ctx context.Context, _ int) error {
		req := model.DispatchRequest{
			Descriptor:    desc,
			Params:        ic.EnrichParams(params, time.Now()),
			Credentials:   creds,
			CorrelationID: ic.CorrelationID,
		}
		start := time.Now()
		r, err := handler.Execute(ctx, req)
		ic.DownstreamTime += time.Since(start)
		if err != nil {
			return err
		}
		raw = r
		return nil
	})
	ic.Attempts = attempts
	if err != nil {
		o.err = err
		return
	}

	// Step 6: Normalize the reply.
	payload, err := e.normalizer.Normalize(ctx, desc, raw, ic)
	if err != nil {
		o.err = err
		return
	}
	o.payload = payload
}

func (e *Engine) finish(ctx context.Context, span trace.Span, logger *zap.Logger, o *outcome, resp *model.StandardResponse) {
	duration := o.finishedAt.Sub(o.ic.StartedAt)
	event := InvocationEvent{
		Service:  o.ic.ServiceName,
		Protocol: resp.Protocol,
		Status:   resp.Status,
		Attempts: o.ic.Attempts,
		Duration: duration,
	}

	fields := []zap.Field{
		zap.String("protocol", string(resp.Protocol)),
		zap.String("status", string(resp.Status)),
		zap.Int("attempts", o.ic.Attempts),
		zap.Duration("duration", duration),
	}
	span.SetAttributes(
		observability.AttrStatus.String(string(resp.Status)),
		observability.AttrAttempts.Int(o.ic.Attempts),
	)

	if resp.Error == nil {
		logger.Info("invocation completed", fields...)
		observability.EndSpanWithError(span, nil)
	} else {
		event.ErrorCode = resp.Error.ErrorCode
		span.SetAttributes(observability.AttrErrorCode.String(resp.Error.ErrorCode))
		observability.EndSpanWithError(span, o.err)

		fields = append(fields,
			zap.String("error_code", resp.Error.ErrorCode),
			zap.String("category", string(resp.Error.Category)),
			zap.Error(o.err),
		)
		switch failureLevel(resp.Error) {
		case zapcore.ErrorLevel:
			logger.Error("invocation failed", fields...)
		case zapcore.WarnLevel:
			logger.Warn("invocation failed", fields...)
		default:
			logger.Info("invocation failed", fields...)
		}
	}

	for _, obs := range e.observers {
		obs.OnInvocation(ctx, event)
	}
}

// failureLevel picks the log level for a failed invocation: unexpected
// failures and downstream 5xx are errors; open circuits, business errors and
// exhausted retries are warnings.
func failureLevel(d *model.ErrorDetails) zapcore.Level {
	switch {
	case d.Severity == model.SeverityCritical:
		return zapcore.ErrorLevel
	case d.Category == model.CategoryCircuitBreaker, d.Category == model.CategoryBusiness, d.Retryable:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// MetricsObserver records invocation metrics.
type MetricsObserver struct {
	Metrics *observability.Metrics
}

// OnInvocation implements InvocationObserver.
func (m MetricsObserver) OnInvocation(_ context.Context, ev InvocationEvent) {
	if m.Metrics == nil {
		return
	}
	protocol := string(ev.Protocol)
	if protocol == "" {
		protocol = "unknown"
	}
	m.Metrics.RecordInvocation(ev.Service, protocol, string(ev.Status), ev.Duration)
}

