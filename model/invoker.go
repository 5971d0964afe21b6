package model

import "context"

// ProtocolHandler executes one downstream call for a single protocol tag.
// Implementations are stateless and safe for concurrent use; all per-call
// data arrives in the DispatchRequest.
type ProtocolHandler interface {
	Execute(ctx context.Context, req DispatchRequest) (RawResponse, error)
}

// DispatchRequest is everything a protocol handler needs for one attempt.
type DispatchRequest struct {
	Descriptor    *ServiceDescriptor
	Params        map[string]any
	Credentials   Credentials
	CorrelationID string
}

// Credentials are the header and query additions computed by the
// authentication resolver.
type Credentials struct {
	Headers map[string]string
	Query   map[string]string
}

// IsEmpty reports whether no credentials need to be applied.
func (c Credentials) IsEmpty() bool {
	return len(c.Headers) == 0 && len(c.Query) == 0
}

// OutboundRequest is the fully built request handed to the transport client.
type OutboundRequest struct {
	Service  string
	Method   string
	URL      string
	Headers  map[string]string
	Body     []byte
	Timeouts TimeoutConfig
	// Auth is consulted for transport-level credentials (client certificates).
	Auth AuthConfig
}

// RawResponse is the unparsed downstream reply.
type RawResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}
