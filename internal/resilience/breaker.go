// Package resilience protects downstream calls with per-service circuit
// breakers, bounded retries and rate limiting. All state is process-local.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/protogate/model"
)

// State is the circuit breaker state. The numeric values are exported as the
// breaker-state gauge.
type State int32

const (
	// StateClosed lets every call through and records outcomes.
	StateClosed State = iota
	// StateHalfOpen admits a single trial call.
	StateHalfOpen
	// StateOpen rejects calls until the wait duration has passed.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeFunc is called after every transition, outside the breaker lock.
type StateChangeFunc func(service string, from, to State)

// Counts is a diagnostic view of the sliding window.
type Counts struct {
	State    State
	Calls    int
	Failures int
}

// Permit is handed out by Allow and identifies the admitted call when its
// outcome is reported. Outcomes carrying a permit from an earlier state
// generation are ignored.
type Permit struct {
	gen   uint64
	trial bool
}

// CircuitBreaker trips on the failure rate of the last N recorded calls.
// It is safe for concurrent use.
type CircuitBreaker struct {
	service  string
	cfg      model.CircuitBreakerConfig
	onChange StateChangeFunc
	now      func() time.Time

	state atomic.Int32

	mu        sync.Mutex
	gen       uint64 // bumped on every transition
	ring      []bool // true marks a failure
	next      int
	calls     int
	failures  int
	openUntil time.Time
	trial     bool
}

// NewCircuitBreaker creates a closed breaker for service.
func NewCircuitBreaker(service string, cfg model.CircuitBreakerConfig, onChange StateChangeFunc) *CircuitBreaker {
	size := cfg.SlidingWindowSize
	if size < 1 {
		size = 1
	}
	return &CircuitBreaker{
		service:  service,
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
		ring:     make([]bool, size),
	}
}

// Allow reports whether a call may proceed. A rejected call gets a
// CIRCUIT_OPEN failure whose RetryAfter is the remaining open time.
func (cb *CircuitBreaker) Allow() (Permit, error) {
	if !cb.cfg.Enabled {
		return Permit{}, nil
	}

	cb.mu.Lock()
	from := cb.State()
	switch from {
	case StateClosed:
		p := Permit{gen: cb.gen}
		cb.mu.Unlock()
		return p, nil
	case StateOpen:
		now := cb.now()
		if now.Before(cb.openUntil) {
			remaining := cb.openUntil.Sub(now)
			cb.mu.Unlock()
			return Permit{}, cb.rejection(remaining)
		}
		cb.setState(StateHalfOpen)
		cb.trial = true
		p := Permit{gen: cb.gen, trial: true}
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return p, nil
	default:
		if cb.trial {
			cb.mu.Unlock()
			return Permit{}, cb.rejection(0)
		}
		cb.trial = true
		p := Permit{gen: cb.gen, trial: true}
		cb.mu.Unlock()
		return p, nil
	}
}

// Record feeds the outcome of an allowed call into the window. In HALF_OPEN
// only the trial permit decides the next state.
func (cb *CircuitBreaker) Record(p Permit, success bool) {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	from := cb.State()
	to := from
	if p.gen != cb.gen {
		cb.mu.Unlock()
		return
	}
	switch from {
	case StateClosed:
		cb.push(!success)
		if cb.tripped() {
			cb.open()
			to = StateOpen
		}
	case StateHalfOpen:
		if !p.trial || !cb.trial {
			break
		}
		cb.trial = false
		if success {
			cb.reset()
			cb.setState(StateClosed)
			to = StateClosed
		} else {
			cb.open()
			to = StateOpen
		}
	}
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
}

// Release gives back an allowed call without an outcome. Releasing the
// half-open trial frees the slot for the next caller.
func (cb *CircuitBreaker) Release(p Permit) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	if p.trial && p.gen == cb.gen && cb.State() == StateHalfOpen {
		cb.trial = false
	}
	cb.mu.Unlock()
}

// State returns the published state. A disabled breaker is always closed.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Snapshot returns the current window counts.
func (cb *CircuitBreaker) Snapshot() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{State: cb.State(), Calls: cb.calls, Failures: cb.failures}
}

// push records one outcome in the ring. Must be called with lock held.
func (cb *CircuitBreaker) push(failure bool) {
	if cb.calls == len(cb.ring) {
		if cb.ring[cb.next] {
			cb.failures--
		}
	} else {
		cb.calls++
	}
	cb.ring[cb.next] = failure
	if failure {
		cb.failures++
	}
	cb.next = (cb.next + 1) % len(cb.ring)
}

// tripped evaluates the failure rate. Must be called with lock held.
func (cb *CircuitBreaker) tripped() bool {
	if cb.calls < cb.cfg.MinimumCalls || cb.calls == 0 {
		return false
	}
	return float64(cb.failures*100)/float64(cb.calls) >= cb.cfg.FailureRateThreshold
}

// open moves to OPEN and clears the window. Must be called with lock held.
func (cb *CircuitBreaker) open() {
	cb.openUntil = cb.now().Add(cb.cfg.WaitDurationInOpenState)
	cb.reset()
	cb.setState(StateOpen)
}

// reset clears the window. Must be called with lock held.
func (cb *CircuitBreaker) reset() {
	clear(cb.ring)
	cb.next, cb.calls, cb.failures = 0, 0, 0
}

// setState publishes s and starts a new generation. Must be called with lock
// held.
func (cb *CircuitBreaker) setState(s State) {
	cb.gen++
	cb.state.Store(int32(s))
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.service, from, to)
	}
}

func (cb *CircuitBreaker) rejection(remaining time.Duration) error {
	f := model.NewFailure(model.KindCircuitOpen, "circuit breaker is open for service %s", cb.service)
	f.RetryAfter = remaining
	return f
}
