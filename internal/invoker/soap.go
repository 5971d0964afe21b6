package invoker

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/pitabwire/protogate/model"
)

const (
	soapEnvelopeOpen = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<soapenv:Header/><soapenv:Body>`
	soapEnvelopeClose = `</soapenv:Body></soapenv:Envelope>`
)

// SOAPHandler calls SOAP 1.1 services. The request body always comes from the
// descriptor's request template.
type SOAPHandler struct {
	sender   *Sender
	renderer Renderer
}

// NewSOAPHandler creates a SOAP handler.
func NewSOAPHandler(sender *Sender, renderer Renderer) *SOAPHandler {
	return &SOAPHandler{sender: sender, renderer: renderer}
}

// Execute renders the request template, wraps it in an envelope unless the
// template already produced one, and POSTs it.
func (h *SOAPHandler) Execute(ctx context.Context, req model.DispatchRequest) (model.RawResponse, error) {
	desc := req.Descriptor
	if desc.RequestTemplate == "" {
		return model.RawResponse{}, model.NewFailure(model.KindInvalidConfiguration,
			"SOAP service %s has no request template", desc.Name)
	}

	target, err := expandEndpoint(desc.Endpoint, req.Params, req.Credentials.Query)
	if err != nil {
		return model.RawResponse{}, err
	}

	rendered, err := renderTemplate(ctx, h.renderer, desc, req.Params)
	if err != nil {
		return model.RawResponse{}, err
	}
	body := wrapEnvelope(rendered)

	headers := buildHeaders(req, map[string]string{
		"Accept":       "text/xml",
		"Content-Type": "text/xml; charset=utf-8",
	})
	if desc.SOAPAction != "" {
		headers[canonicalKey(headers, "SOAPAction")] = quoteAction(desc.SOAPAction)
	}

	method := desc.Method
	if method == "" {
		method = http.MethodPost
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

// wrapEnvelope returns body unchanged when its root element is already an
// Envelope.
func wrapEnvelope(body []byte) []byte {
	if rootElement(body) == "Envelope" {
		return body
	}
	var buf bytes.Buffer
	buf.Grow(len(soapEnvelopeOpen) + len(body) + len(soapEnvelopeClose))
	buf.WriteString(soapEnvelopeOpen)
	buf.Write(bytes.TrimSpace(stripXMLDeclaration(body)))
	buf.WriteString(soapEnvelopeClose)
	return buf.Bytes()
}

func rootElement(body []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

// stripXMLDeclaration drops a leading <?xml ...?> so the fragment can be
// embedded in the envelope body.
func stripXMLDeclaration(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return body
	}
	if end := bytes.Index(trimmed, []byte("?>")); end >= 0 {
		return trimmed[end+2:]
	}
	return body
}

func quoteAction(action string) string {
	if strings.HasPrefix(action, `"`) && strings.HasSuffix(action, `"`) {
		return action
	}
	return `"` + action + `"`
}
