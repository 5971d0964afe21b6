package invoker

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/pitabwire/protogate/model"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// expandEndpoint substitutes {name} placeholders with path-escaped parameter
// values and appends credential query parameters.
func expandEndpoint(endpoint string, params map[string]any, query map[string]string) (string, error) {
	var missing []string
	expanded := placeholderRe.ReplaceAllStringFunc(endpoint, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		v, ok := params[name]
		if !ok || v == nil {
			missing = append(missing, name)
			return m
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(s)
	})
	if len(missing) > 0 {
		return "", model.NewFailure(model.KindInvalidConfiguration,
			"unresolved endpoint placeholders: %s", strings.Join(missing, ", "))
	}
	if len(query) == 0 {
		return expanded, nil
	}

	u, err := url.Parse(expanded)
	if err != nil {
		return "", model.WrapFailure(model.KindInvalidConfiguration, err, "parsing endpoint")
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildHeaders layers defaults, the descriptor's static headers, credential
// headers, and the correlation header, later layers winning.
func buildHeaders(req model.DispatchRequest, defaults map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(req.Descriptor.Headers)+len(req.Credentials.Headers)+1)
	set := func(src map[string]string) {
		for k, v := range src {
			out[canonicalKey(out, k)] = v
		}
	}
	set(defaults)
	set(req.Descriptor.Headers)
	set(req.Credentials.Headers)
	if req.CorrelationID != "" {
		out[canonicalKey(out, "X-Correlation-Id")] = req.CorrelationID
	}
	return out
}

// canonicalKey returns the key already present in headers that matches k
// case-insensitively, or k itself.
func canonicalKey(headers map[string]string, k string) string {
	for existing := range headers {
		if strings.EqualFold(existing, k) {
			return existing
		}
	}
	return k
}

func hasHeader(headers map[string]string, k string) bool {
	_, ok := headers[canonicalKey(headers, k)]
	return ok
}

// renderTemplate renders a request template, reporting failures as invalid
// configuration of the service.
func renderTemplate(ctx context.Context, r Renderer, desc *model.ServiceDescriptor, params map[string]any) ([]byte, error) {
	if r == nil {
		return nil, model.NewFailure(model.KindInvalidConfiguration, "no template renderer configured")
	}
	out, err := r.Render(ctx, desc.RequestTemplate, params)
	if err != nil {
		return nil, model.WrapFailure(model.KindInvalidConfiguration, err,
			"rendering request template %s for %s", desc.RequestTemplate, desc.Name)
	}
	return []byte(out), nil
}

// encodeXMLParams renders params as a <request> document. Map keys become
// elements in sorted order; slices repeat their element.
func encodeXMLParams(params map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := encodeXMLValue(enc, "request", params); err != nil {
		return nil, model.WrapFailure(model.KindInvalidConfiguration, err, "encoding XML request body")
	}
	if err := enc.Flush(); err != nil {
		return nil, model.WrapFailure(model.KindInvalidConfiguration, err, "encoding XML request body")
	}
	return buf.Bytes(), nil
}

func encodeXMLValue(enc *xml.Encoder, name string, v any) error {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if err := encodeXMLValue(enc, name, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		start := xml.StartElement{Name: xml.Name{Local: name}}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeXMLValue(enc, k, val[k]); err != nil {
				return err
			}
		}
		return enc.EncodeToken(start.End())
	}

	start := xml.StartElement{Name: xml.Name{Local: name}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if v != nil {
		s, err := cast.ToStringE(v)
		if err != nil {
			s = fmt.Sprint(v)
		}
		if err := enc.EncodeToken(xml.CharData(s)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
