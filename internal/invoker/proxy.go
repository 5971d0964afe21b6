package invoker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pitabwire/protogate/model"
)

// ProxyBodyParam is the parameter carrying a pass-through payload.
const ProxyBodyParam = "body"

// ProxyHandler forwards a payload to the endpoint with no transformation.
type ProxyHandler struct {
	sender *Sender
}

// NewProxyHandler creates a pass-through handler.
func NewProxyHandler(sender *Sender) *ProxyHandler {
	return &ProxyHandler{sender: sender}
}

// Execute sends params["body"] verbatim when it is a string, JSON-encoded
// otherwise. Without a body parameter all params are sent as JSON.
func (h *ProxyHandler) Execute(ctx context.Context, req model.DispatchRequest) (model.RawResponse, error) {
	desc := req.Descriptor
	target, err := expandEndpoint(desc.Endpoint, req.Params, req.Credentials.Query)
	if err != nil {
		return model.RawResponse{}, err
	}

	method := desc.Method
	if method == "" {
		method = http.MethodPost
	}

	var body []byte
	if hasBody(method) {
		body, err = proxyBody(req.Params)
		if err != nil {
			return model.RawResponse{}, err
		}
	}

	headers := buildHeaders(req, nil)
	if body != nil && !hasHeader(headers, "Content-Type") {
		headers["Content-Type"] = "application/json"
	}

	return h.sender.Send(ctx, model.OutboundRequest{
		Service:  desc.Name,
		Method:   method,
		URL:      target,
		Headers:  headers,
		Body:     body,
		Timeouts: desc.Resilience.Timeouts,
		Auth:     desc.Auth,
	})
}

func proxyBody(params map[string]any) ([]byte, error) {
	var payload any = params
	if v, ok := params[ProxyBodyParam]; ok {
		switch b := v.(type) {
		case string:
			return []byte(b), nil
		case []byte:
			return b, nil
		default:
			payload = b
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, model.WrapFailure(model.KindInvalidConfiguration, err, "encoding proxy body")
	}
	return data, nil
}
