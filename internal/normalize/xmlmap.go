package normalize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// TextKey holds character data of an element that also has children or
// attributes.
const TextKey = "#text"

// AttrPrefix is prepended to attribute names.
const AttrPrefix = "-"

type xmlNode struct {
	key      string
	fields   map[string]any
	text     strings.Builder
	children bool
}

// ParseXML converts an XML document into nested maps keyed by element name.
// Names keep their prefix as written ("soapenv:Body"). Text-only elements
// become strings and repeated siblings become []any.
func ParseXML(data []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true

	var (
		stack []*xmlNode
		root  map[string]any
	)
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{key: qualified(t.Name), fields: make(map[string]any)}
			for _, a := range t.Attr {
				n.fields[AttrPrefix+qualified(a.Name)] = a.Value
				n.children = true
			}
			if len(stack) > 0 {
				stack[len(stack)-1].children = true
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("xml: unexpected end element " + qualified(t.Name))
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n.key != qualified(t.Name) {
				return nil, errors.New("xml: element " + n.key + " closed by " + qualified(t.Name))
			}
			v := n.value()
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("xml: multiple root elements")
				}
				root = map[string]any{n.key: v}
				continue
			}
			addField(stack[len(stack)-1].fields, n.key, v)
		}
	}
	if len(stack) > 0 {
		return nil, errors.New("xml: unexpected end of document")
	}
	if root == nil {
		return nil, errors.New("xml: empty document")
	}
	return root, nil
}

func (n *xmlNode) value() any {
	text := strings.TrimSpace(n.text.String())
	if !n.children {
		return text
	}
	if text != "" {
		n.fields[TextKey] = text
	}
	return n.fields
}

func addField(fields map[string]any, key string, v any) {
	existing, ok := fields[key]
	if !ok {
		fields[key] = v
		return
	}
	if list, ok := existing.([]any); ok {
		fields[key] = append(list, v)
		return
	}
	fields[key] = []any{existing, v}
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// LocalName strips a namespace prefix from a key.
func LocalName(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}
