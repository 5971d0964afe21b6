// Package normalize turns raw downstream responses into payloads: it parses
// the body per protocol, detects SOAP faults and business codes, and applies
// the optional response template with the system variables in scope.
package normalize

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pitabwire/protogate/model"
)

// Renderer renders a named response template.
type Renderer interface {
	Render(ctx context.Context, id string, data any) (string, error)
}

// ResponseKey wraps non-object payloads in the response template context.
const ResponseKey = "response"

// Normalizer is stateless and safe for concurrent use.
type Normalizer struct {
	renderer Renderer
	now      func() time.Time
}

// New creates a Normalizer. renderer may be nil when no service uses a
// response template.
func New(renderer Renderer) *Normalizer {
	return &Normalizer{renderer: renderer, now: time.Now}
}

// Normalize parses raw according to the descriptor's protocol and returns the
// payload of a successful response. Business codes come back as a Business
// failure; every other problem is a ResponseProcessing failure.
func (n *Normalizer) Normalize(ctx context.Context, desc *model.ServiceDescriptor, raw model.RawResponse, ic *model.InvocationContext) (any, error) {
	parsed, err := Parse(desc.Protocol, raw.Body)
	if err != nil {
		return nil, model.WrapFailure(model.KindResponseProcessing, err,
			"parsing %s response from %s", desc.Protocol, desc.Name)
	}

	if desc.Protocol == model.ProtocolSOAP {
		if err := ValidateBusinessCode(parsed, desc.SOAPErrorPaths); err != nil {
			return nil, err
		}
	}

	if desc.ResponseTemplate == "" {
		return parsed, nil
	}
	if n.renderer == nil {
		return nil, model.NewFailure(model.KindResponseProcessing, "no template renderer configured")
	}

	if ic == nil {
		ic = &model.InvocationContext{ServiceName: desc.Name}
	}
	out, err := n.renderer.Render(ctx, desc.ResponseTemplate, enrich(parsed, ic.ResponseVars(n.now())))
	if err != nil {
		return nil, model.WrapFailure(model.KindResponseProcessing, err,
			"rendering response template %s", desc.ResponseTemplate)
	}
	var payload any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, model.WrapFailure(model.KindResponseProcessing, err,
			"response template %s did not produce JSON", desc.ResponseTemplate)
	}
	return payload, nil
}

// Parse decodes a body for the given protocol. SOAP envelopes are unwrapped
// to their body content.
func Parse(p model.Protocol, body string) (any, error) {
	trimmed := strings.TrimSpace(body)
	switch p {
	case model.ProtocolRESTJSON:
		if trimmed == "" {
			return map[string]any{}, nil
		}
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return nil, err
		}
		return v, nil
	case model.ProtocolRESTXML:
		if trimmed == "" {
			return map[string]any{}, nil
		}
		return ParseXML([]byte(trimmed))
	case model.ProtocolSOAP:
		doc, err := ParseXML([]byte(trimmed))
		if err != nil {
			return nil, err
		}
		return UnwrapEnvelope(doc), nil
	}

	var v any
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &v) == nil {
		return v, nil
	}
	return body, nil
}

// enrich builds the response template context: vars are added to map payloads
// without overwriting downstream keys, and any other payload is wrapped under
// ResponseKey. The parsed payload itself is left untouched.
func enrich(payload any, vars map[string]any) map[string]any {
	m := make(map[string]any, len(vars)+1)
	if src, ok := payload.(map[string]any); ok {
		for k, v := range src {
			m[k] = v
		}
	} else {
		m[ResponseKey] = payload
	}
	for k, v := range vars {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}
