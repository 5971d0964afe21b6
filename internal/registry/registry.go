package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pitabwire/protogate/model"
)

// snapshot is an immutable set of descriptors indexed by name.
type snapshot struct {
	services map[string]*model.ServiceDescriptor
	names    []string
}

// Registry is a read-optimized, thread-safe store of service descriptors.
// Readers never lock; Replace publishes a new snapshot atomically.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// New validates the descriptors, applies defaults and returns a Registry.
// Any invalid descriptor fails the whole load.
func New(descs []model.ServiceDescriptor) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(descs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates descs and swaps them in. On error the current snapshot
// is kept.
func (r *Registry) Replace(descs []model.ServiceDescriptor) error {
	s := &snapshot{
		services: make(map[string]*model.ServiceDescriptor, len(descs)),
		names:    make([]string, 0, len(descs)),
	}

	var errs []string
	for _, desc := range descs {
		if err := Validate(desc); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, dup := s.services[desc.Name]; dup {
			errs = append(errs, fmt.Sprintf("service %q: declared more than once", desc.Name))
			continue
		}
		d := ApplyDefaults(desc)
		s.services[d.Name] = &d
		s.names = append(s.names, d.Name)
	}
	if len(errs) > 0 {
		return fmt.Errorf("registry: %s", strings.Join(errs, "; "))
	}

	sort.Strings(s.names)
	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Resolve returns the descriptor registered under name. The returned value is
// shared and must be treated as read-only.
func (r *Registry) Resolve(name string) (*model.ServiceDescriptor, error) {
	d, ok := r.current().services[name]
	if !ok {
		return nil, model.NewFailure(model.KindConfigNotFound, "service configuration not found: %s", name)
	}
	return d, nil
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	names := r.current().names
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return len(r.current().names)
}

// Validate checks a descriptor for structural problems.
func Validate(d model.ServiceDescriptor) error {
	var errs []string

	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	if d.Protocol == "" {
		errs = append(errs, "protocol is required")
	}
	if d.Endpoint == "" {
		errs = append(errs, "endpoint is required")
	} else if u, err := url.Parse(d.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("endpoint %q is not an absolute URL", d.Endpoint))
	}
	if err := d.Auth.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	cb := d.Resilience.CircuitBreaker
	if cb.FailureRateThreshold < 0 || cb.FailureRateThreshold > 100 {
		errs = append(errs, "circuit_breaker.failure_rate_threshold must be between 0 and 100")
	}
	if cb.SlidingWindowSize < 0 || cb.MinimumCalls < 0 {
		errs = append(errs, "circuit_breaker window sizes must not be negative")
	}

	rt := d.Resilience.Retry
	switch rt.Strategy {
	case "", model.RetryFixedInterval, model.RetryExponentialBackoff:
	default:
		errs = append(errs, fmt.Sprintf("unknown retry strategy %q", rt.Strategy))
	}
	if rt.MaxAttempts < 0 {
		errs = append(errs, "retry.max_attempts must not be negative")
	}

	if rl := d.Resilience.RateLimiter; rl.Enabled && rl.PermitsPerSecond <= 0 {
		errs = append(errs, "rate_limiter.permits_per_second must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("service %q: %s", d.Name, strings.Join(errs, "; "))
	}
	return nil
}

// ApplyDefaults fills unset fields with the gateway defaults.
func ApplyDefaults(d model.ServiceDescriptor) model.ServiceDescriptor {
	d.Method = strings.ToUpper(d.Method)
	if d.Method == "" {
		if d.Protocol.IsREST() {
			d.Method = "GET"
		} else {
			d.Method = "POST"
		}
	}

	if d.Auth.Type == "" {
		d.Auth.Type = model.AuthNone
	}
	if d.Auth.Type == model.AuthAPIKey && d.Auth.Location == "" {
		d.Auth.Location = model.KeyInHeader
	}

	cb := &d.Resilience.CircuitBreaker
	if cb.FailureRateThreshold == 0 {
		cb.FailureRateThreshold = 50
	}
	if cb.SlidingWindowSize == 0 {
		cb.SlidingWindowSize = 10
	}
	if cb.MinimumCalls == 0 {
		cb.MinimumCalls = 5
	}
	if cb.MinimumCalls > cb.SlidingWindowSize {
		cb.MinimumCalls = cb.SlidingWindowSize
	}
	if cb.WaitDurationInOpenState == 0 {
		cb.WaitDurationInOpenState = 30 * time.Second
	}

	rt := &d.Resilience.Retry
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = 3
	}
	if rt.Strategy == "" {
		rt.Strategy = model.RetryExponentialBackoff
	}
	if rt.InitialInterval == 0 {
		rt.InitialInterval = 500 * time.Millisecond
	}
	if rt.Multiplier == 0 {
		rt.Multiplier = 2
	}
	if rt.MaxInterval == 0 {
		rt.MaxInterval = 5 * time.Second
	}

	to := &d.Resilience.Timeouts
	if to.Connect == 0 {
		to.Connect = 5 * time.Second
	}
	if to.Read == 0 {
		to.Read = 30 * time.Second
	}

	rl := &d.Resilience.RateLimiter
	if rl.Enabled && rl.Burst == 0 {
		rl.Burst = max(1, int(rl.PermitsPerSecond))
	}

	d.SOAPErrorPaths = d.SOAPErrorPaths.WithDefaults()

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	d.Headers = headers

	return d
}
