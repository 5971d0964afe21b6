package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pitabwire/protogate/model"
)

// Limiters holds one token-bucket limiter per service.
type Limiters struct {
	m sync.Map // service → *rate.Limiter
}

// NewLimiters creates an empty limiter set.
func NewLimiters() *Limiters {
	return &Limiters{}
}

func (l *Limiters) get(service string, cfg model.RateLimiterConfig) *rate.Limiter {
	if v, ok := l.m.Load(service); ok {
		return v.(*rate.Limiter)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = max(1, int(math.Ceil(cfg.PermitsPerSecond)))
	}
	v, _ := l.m.LoadOrStore(service, rate.NewLimiter(rate.Limit(cfg.PermitsPerSecond), burst))
	return v.(*rate.Limiter)
}

// Wait blocks until a permit is available or cfg.Timeout elapses. A zero
// timeout means the permit must be available immediately.
func (l *Limiters) Wait(ctx context.Context, service string, cfg model.RateLimiterConfig) error {
	if !cfg.Enabled {
		return nil
	}
	lim := l.get(service, cfg)

	if cfg.Timeout <= 0 {
		if lim.Allow() {
			return nil
		}
		return rateLimited(service)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := lim.Wait(waitCtx); err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return model.WrapFailure(model.KindCancelled, ctxErr, "cancelled while waiting for rate limit permit")
		}
		return rateLimited(service)
	}
	return nil
}

func rateLimited(service string) error {
	f := model.NewFailure(model.KindRateLimited, "rate limit exceeded for service %s", service)
	f.RetryAfter = time.Second
	return f
}
