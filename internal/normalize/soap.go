package normalize

import (
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/pitabwire/protogate/model"
)

// UnwrapEnvelope returns the content of a SOAP Body, whatever prefix the
// envelope uses. A Body with a single element child is unwrapped to that
// child, except a Fault, which keeps its element name. Documents without an
// Envelope root are returned unchanged.
func UnwrapEnvelope(doc map[string]any) any {
	env, ok := childByLocalName(doc, "Envelope").(map[string]any)
	if !ok {
		return doc
	}
	body, ok := childByLocalName(env, "Body").(map[string]any)
	if !ok {
		return env
	}

	var only string
	count := 0
	for k := range body {
		if isMeta(k) {
			continue
		}
		only = k
		count++
	}
	if count != 1 || LocalName(only) == "Fault" {
		return stripMeta(body)
	}
	if inner, ok := body[only].(map[string]any); ok {
		return inner
	}
	return map[string]any{only: body[only]}
}

// ValidateBusinessCode reports a Business failure when body is a SOAP Fault,
// or when its header-like element carries a return code other than the
// success code. A body without a return code is valid.
func ValidateBusinessCode(body any, paths model.SOAPErrorPaths) error {
	if err := faultFailure(body); err != nil {
		return err
	}
	paths = paths.WithDefaults()

	header := findHeader(body, paths.HeaderElement)
	if header == nil {
		return nil
	}
	code := fieldString(header, paths.ReturnCode)
	if code == "" || code == paths.SuccessCode {
		return nil
	}

	desc := fieldString(header, paths.ErrorDescription)
	if desc == "" {
		desc = fieldString(header, "returnCodeDesc")
	}
	detail := fieldString(header, paths.ErrorDetail)

	msg := desc
	if msg == "" {
		msg = "downstream returned code " + code
	}
	return model.NewFailure(model.KindBusiness, "%s", msg).
		WithDetail("returnCode", code).
		WithDetail("errorDescription", desc).
		WithDetail("errorDetail", detail).
		WithDetail("originalErrorCode", originalErrorCode(detail, code))
}

// faultFailure reads a SOAP 1.1 (faultcode/faultstring) or 1.2 (Code/Value,
// Reason/Text) Fault at the top of an unwrapped body.
func faultFailure(body any) error {
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	var key string
	for k := range m {
		if !isMeta(k) && LocalName(k) == "Fault" {
			key = k
			break
		}
	}
	if key == "" {
		return nil
	}

	fault, _ := m[key].(map[string]any)
	code := fieldString(fault, "faultcode")
	if code == "" {
		inner, _ := childByLocalName(fault, "Code").(map[string]any)
		code = fieldString(inner, "Value")
	}
	reason := fieldString(fault, "faultstring")
	if reason == "" {
		inner, _ := childByLocalName(fault, "Reason").(map[string]any)
		reason = fieldString(inner, "Text")
	}

	msg := reason
	if msg == "" {
		msg = "downstream returned a SOAP fault"
	}
	return model.NewFailure(model.KindBusiness, "%s", msg).
		WithDetail("returnCode", code).
		WithDetail("errorDescription", reason).
		WithDetail("errorDetail", fieldString(fault, "detail")).
		WithDetail("originalErrorCode", code)
}

// originalErrorCode returns the first all-digit segment of a hyphen-delimited
// detail such as "Foo-666666-Bar", falling back to the return code.
func originalErrorCode(detail, fallback string) string {
	for _, seg := range strings.Split(detail, "-") {
		seg = strings.TrimSpace(seg)
		if seg != "" && isDigits(seg) {
			return seg
		}
	}
	return fallback
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// findHeader searches depth-first, visiting keys in sorted order.
func findHeader(v any, name string) map[string]any {
	switch node := v.(type) {
	case map[string]any:
		keys := sortedKeys(node)
		for _, k := range keys {
			if isMeta(k) {
				continue
			}
			if m, ok := node[k].(map[string]any); ok && isHeaderKey(k, name) {
				return m
			}
		}
		for _, k := range keys {
			if h := findHeader(node[k], name); h != nil {
				return h
			}
		}
	case []any:
		for _, item := range node {
			if h := findHeader(item, name); h != nil {
				return h
			}
		}
	}
	return nil
}

func isHeaderKey(key, name string) bool {
	local := LocalName(key)
	if name != "" {
		return strings.EqualFold(local, LocalName(name))
	}
	return strings.HasSuffix(strings.ToLower(local), "header")
}

// fieldString reads a field by local name, ignoring prefixes and case.
func fieldString(m map[string]any, name string) string {
	v := childByLocalName(m, name)
	if inner, ok := v.(map[string]any); ok {
		v = inner[TextKey]
	}
	if v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

func childByLocalName(m map[string]any, name string) any {
	if v, ok := m[name]; ok {
		return v
	}
	for _, k := range sortedKeys(m) {
		if !isMeta(k) && strings.EqualFold(LocalName(k), name) {
			return m[k]
		}
	}
	return nil
}

func isMeta(key string) bool {
	return strings.HasPrefix(key, AttrPrefix) || key == TextKey
}

func stripMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !isMeta(k) {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
