// Package invoker builds and sends downstream requests for each supported
// protocol.
package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/protogate/model"
)

// Renderer renders a named request template.
type Renderer interface {
	Render(ctx context.Context, id string, data any) (string, error)
}

// Dispatcher maps protocol tags to handlers. Registration happens at startup;
// lookups are safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[model.Protocol]model.ProtocolHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[model.Protocol]model.ProtocolHandler)}
}

// NewDefaultDispatcher registers the REST, SOAP, and proxy handlers.
func NewDefaultDispatcher(sender *Sender, renderer Renderer) *Dispatcher {
	d := NewDispatcher()
	d.Register(model.ProtocolRESTJSON, NewRESTHandler(sender, renderer, FormatJSON))
	d.Register(model.ProtocolRESTXML, NewRESTHandler(sender, renderer, FormatXML))
	d.Register(model.ProtocolSOAP, NewSOAPHandler(sender, renderer))
	d.Register(model.ProtocolProxyPass, NewProxyHandler(sender))
	return d
}

// Register binds a handler to a protocol. Registering the same protocol twice
// is a programming error and panics.
func (d *Dispatcher) Register(p model.Protocol, h model.ProtocolHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[p]; exists {
		panic(fmt.Sprintf("invoker: handler for protocol %s already registered", p))
	}
	d.handlers[p] = h
}

// Handler returns the handler for p, or an UnsupportedProtocol failure.
func (d *Dispatcher) Handler(p model.Protocol) (model.ProtocolHandler, error) {
	d.mu.RLock()
	h, ok := d.handlers[p]
	d.mu.RUnlock()
	if !ok {
		return nil, model.NewFailure(model.KindUnsupportedProtocol, "unsupported protocol: %s", p)
	}
	return h, nil
}

// Protocols lists the registered protocol tags in order.
func (d *Dispatcher) Protocols() []model.Protocol {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Protocol, 0, len(d.handlers))
	for p := range d.handlers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
