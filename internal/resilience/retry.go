package resilience

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/protogate/model"
)

// DefaultRetryOn is the allowlist used when a service does not configure one.
var DefaultRetryOn = []string{"NETWORK", "TIMEOUT", "HTTP_502", "HTTP_503", "HTTP_504", "HTTP_408", "HTTP_429"}

// RetryFunc performs one attempt. attempt starts at 1.
type RetryFunc func(ctx context.Context, attempt int) error

// RetryHook is called before sleeping ahead of another attempt.
type RetryHook func(service string, attempt int, wait time.Duration, err error)

// Executor runs calls through the rate limiter, the retry loop and the
// service's circuit breaker, in that order.
type Executor struct {
	breakers *Breakers
	limiters *Limiters
	logger   *zap.Logger
	onRetry  RetryHook
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithRetryHook registers a callback for every scheduled retry.
func WithRetryHook(h RetryHook) ExecutorOption {
	return func(e *Executor) { e.onRetry = h }
}

// NewExecutor creates an Executor backed by the given breaker and limiter
// sets.
func NewExecutor(breakers *Breakers, limiters *Limiters, opts ...ExecutorOption) *Executor {
	e := &Executor{
		breakers: breakers,
		limiters: limiters,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers returns the breaker set the executor records into.
func (e *Executor) Breakers() *Breakers {
	return e.breakers
}

// Execute runs fn under the service's resilience policies and returns the
// number of attempts made along with the last error.
func (e *Executor) Execute(ctx context.Context, service string, cfg model.ResilienceConfig, fn RetryFunc) (int, error) {
	if err := e.limiters.Wait(ctx, service, cfg.RateLimiter); err != nil {
		return 0, err
	}
	return e.retry(ctx, service, cfg.Retry, e.breakers.Get(service, cfg.CircuitBreaker), fn)
}

// Retry runs fn under the retry policy alone. Neither the rate limiter nor
// the circuit breaker sees these attempts.
func (e *Executor) Retry(ctx context.Context, service string, cfg model.RetryConfig, fn RetryFunc) (int, error) {
	return e.retry(ctx, service, cfg, nil, fn)
}

// retry is the shared attempt loop. cb may be nil.
func (e *Executor) retry(ctx context.Context, service string, cfg model.RetryConfig, cb *CircuitBreaker, fn RetryFunc) (int, error) {
	maxAttempts := 1
	if cfg.Enabled && cfg.MaxAttempts > 1 {
		maxAttempts = cfg.MaxAttempts
	}
	bo := newBackOff(cfg)

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, model.AsFailure(err)
		}

		attempts++
		var permit Permit
		if cb != nil {
			p, err := cb.Allow()
			if err != nil {
				return attempts, err
			}
			permit = p
		}

		err := fn(ctx, attempts)
		if cb != nil {
			recordOutcome(cb, permit, err)
		}
		if err == nil {
			return attempts, nil
		}

		if attempts >= maxAttempts || !Retryable(err, cfg.RetryOn) {
			return attempts, err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return attempts, err
		}

		e.logger.Debug("retrying downstream call",
			zap.String("service", service),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if e.onRetry != nil {
			e.onRetry(service, attempts, wait, err)
		}

		if err := sleep(ctx, wait); err != nil {
			return attempts, model.AsFailure(err)
		}
	}
}

// Retryable reports whether err may be retried under the allowlist. An empty
// allowlist means DefaultRetryOn.
func Retryable(err error, retryOn []string) bool {
	f := model.AsFailure(err)
	if f == nil {
		return false
	}
	switch f.Kind {
	case model.KindCircuitOpen, model.KindResponseProcessing, model.KindCancelled,
		model.KindInvalidConfiguration, model.KindConfigNotFound:
		return false
	}
	if f.Misconfigured() {
		return false
	}
	if len(retryOn) == 0 {
		retryOn = DefaultRetryOn
	}
	for _, tag := range retryOn {
		if f.Matches(tag) {
			return true
		}
	}
	return false
}

// recordOutcome translates the attempt result into a breaker outcome.
// 4xx replies count as successes: the downstream answered.
func recordOutcome(cb *CircuitBreaker, p Permit, err error) {
	if err == nil {
		cb.Record(p, true)
		return
	}
	f := model.AsFailure(err)
	switch f.Kind {
	case model.KindNetwork, model.KindTimeout, model.KindTechnical:
		cb.Record(p, false)
	case model.KindHTTPStatus:
		cb.Record(p, f.Status < 500)
	case model.KindBusiness:
		cb.Record(p, true)
	default:
		cb.Release(p)
	}
}

func newBackOff(cfg model.RetryConfig) backoff.BackOff {
	if strings.EqualFold(string(cfg.Strategy), string(model.RetryFixedInterval)) {
		return backoff.NewConstantBackOff(cfg.InitialInterval)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = cfg.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
