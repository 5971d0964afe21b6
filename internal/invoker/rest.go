package invoker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pitabwire/protogate/model"
)

// Format is the body encoding of a REST service.
type Format int

// REST body formats.
const (
	FormatJSON Format = iota
	FormatXML
)

func (f Format) contentType() string {
	if f == FormatXML {
		return "application/xml"
	}
	return "application/json"
}

// RESTHandler calls REST_JSON and REST_XML services.
type RESTHandler struct {
	sender   *Sender
	renderer Renderer
	format   Format
}

// NewRESTHandler creates a REST handler for one body format.
func NewRESTHandler(sender *Sender, renderer Renderer, format Format) *RESTHandler {
	return &RESTHandler{sender: sender, renderer: renderer, format: format}
}

// Execute builds the request from the descriptor and parameters and sends it.
// Only POST, PUT, and PATCH carry a body.
func (h *RESTHandler) Execute(ctx context.Context, req model.DispatchRequest) (model.RawResponse, error) {
	desc := req.Descriptor
	target, err := expandEndpoint(desc.Endpoint, req.Params, req.Credentials.Query)
	if err != nil {
		return model.RawResponse{}, err
	}

	method := desc.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if hasBody(method) {
		body, err = h.body(ctx, desc, req.Params)
		if err != nil {
			return model.RawResponse{}, err
		}
	}

	headers := buildHeaders(req, map[string]string{
		"Accept":       h.format.contentType(),
		"Content-Type": h.format.contentType(),
	})
	if body == nil {
		delete(headers, canonicalKey(headers, "Content-Type"))
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

func (h *RESTHandler) body(ctx context.Context, desc *model.ServiceDescriptor, params map[string]any) ([]byte, error) {
	if desc.RequestTemplate != "" {
		return renderTemplate(ctx, h.renderer, desc, params)
	}
	if h.format == FormatXML {
		return encodeXMLParams(params)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, model.WrapFailure(model.KindInvalidConfiguration, err, "encoding JSON request body")
	}
	return data, nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
