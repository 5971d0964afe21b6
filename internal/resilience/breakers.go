package resilience

import (
	"sync"

	"github.com/pitabwire/protogate/model"
)

// Breakers holds one lazily created breaker per service.
type Breakers struct {
	m        sync.Map // service → *CircuitBreaker
	onChange StateChangeFunc
}

// NewBreakers creates an empty breaker set. onChange may be nil.
func NewBreakers(onChange StateChangeFunc) *Breakers {
	return &Breakers{onChange: onChange}
}

// Get returns the breaker for service, creating it from cfg on first use.
// Later calls ignore cfg.
func (b *Breakers) Get(service string, cfg model.CircuitBreakerConfig) *CircuitBreaker {
	if v, ok := b.m.Load(service); ok {
		return v.(*CircuitBreaker)
	}
	v, _ := b.m.LoadOrStore(service, NewCircuitBreaker(service, cfg, b.onChange))
	return v.(*CircuitBreaker)
}

// State returns the state of the breaker for service, or CLOSED when none
// has been created yet.
func (b *Breakers) State(service string) State {
	if v, ok := b.m.Load(service); ok {
		return v.(*CircuitBreaker).State()
	}
	return StateClosed
}
