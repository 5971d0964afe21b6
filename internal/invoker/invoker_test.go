package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/protogate/model"
)

type captured struct {
	method  string
	path    string
	query   string
	headers http.Header
	body    string
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		c.method = r.Method
		c.path = r.URL.EscapedPath()
		c.query = r.URL.RawQuery
		c.headers = r.Header.Clone()
		c.body = string(data)
		w.Header().Set("X-Downstream", "yes")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

type fakeRenderer struct {
	out   string
	err   error
	calls atomic.Int32
	last  any
}

func (f *fakeRenderer) Render(_ context.Context, _ string, data any) (string, error) {
	f.calls.Add(1)
	f.last = data
	return f.out, f.err
}

func descriptor(protocol model.Protocol, endpoint, method string) *model.ServiceDescriptor {
	return &model.ServiceDescriptor{
		Name:     "svc",
		Protocol: protocol,
		Endpoint: endpoint,
		Method:   method,
		Resilience: model.ResilienceConfig{
			Timeouts: model.TimeoutConfig{Connect: time.Second, Read: 2 * time.Second},
		},
	}
}

func TestDispatcher_unsupportedProtocol(t *testing.T) {
	d := NewDefaultDispatcher(NewSender(), &fakeRenderer{})
	_, err := d.Handler("GRPC")
	if model.KindOf(err) != model.KindUnsupportedProtocol {
		t.Fatalf("Handler(GRPC) kind = %v, want UNSUPPORTED_PROTOCOL", model.KindOf(err))
	}
	if got := len(d.Protocols()); got != 4 {
		t.Errorf("Protocols() = %d entries, want 4", got)
	}
}

func TestDispatcher_duplicateRegisterPanics(t *testing.T) {
	d := NewDispatcher()
	d.Register(model.ProtocolProxyPass, NewProxyHandler(NewSender()))
	defer func() {
		if recover() == nil {
			t.Error("second Register should panic")
		}
	}()
	d.Register(model.ProtocolProxyPass, NewProxyHandler(NewSender()))
}

func TestREST_getExpandsPlaceholdersAndCredentials(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `{"id":"42"}`)
	desc := descriptor(model.ProtocolRESTJSON, srv.URL+"/users/{userId}", http.MethodGet)
	desc.Headers = map[string]string{"X-Static": "s"}

	h := NewRESTHandler(NewSender(), nil, FormatJSON)
	raw, err := h.Execute(context.Background(), model.DispatchRequest{
		Descriptor:    desc,
		Params:        map[string]any{"userId": "a b/c"},
		Credentials:   model.Credentials{Query: map[string]string{"api_key": "k1"}},
		CorrelationID: "pg-1234",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if raw.Status != http.StatusOK || raw.Body != `{"id":"42"}` {
		t.Errorf("raw = %+v", raw)
	}
	if raw.Headers["X-Downstream"] != "yes" {
		t.Errorf("response headers = %v, want X-Downstream", raw.Headers)
	}
	if c.path != "/users/a%20b%2Fc" {
		t.Errorf("path = %q, want escaped placeholder", c.path)
	}
	if c.query != "api_key=k1" {
		t.Errorf("query = %q, want api_key=k1", c.query)
	}
	if c.body != "" {
		t.Errorf("GET body = %q, want empty", c.body)
	}
	if got := c.headers.Get("X-Correlation-Id"); got != "pg-1234" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
	if got := c.headers.Get("X-Static"); got != "s" {
		t.Errorf("X-Static = %q", got)
	}
	if got := c.headers.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
}

func TestREST_unresolvedPlaceholder(t *testing.T) {
	h := NewRESTHandler(NewSender(), nil, FormatJSON)
	_, err := h.Execute(context.Background(), model.DispatchRequest{
		Descriptor: descriptor(model.ProtocolRESTJSON, "http://localhost/users/{userId}", http.MethodGet),
		Params:     map[string]any{},
	})
	if model.KindOf(err) != model.KindInvalidConfiguration {
		t.Fatalf("kind = %v, want INVALID_CONFIGURATION", model.KindOf(err))
	}
	if !strings.Contains(err.Error(), "userId") {
		t.Errorf("error %q should name the placeholder", err)
	}
}

func TestREST_postJSONBody(t *testing.T) {
	srv, c := captureServer(t, http.StatusCreated, `{}`)
	h := NewRESTHandler(NewSender(), nil, FormatJSON)
	_, err := h.Execute(context.Background(), model.DispatchRequest{
		Descriptor:  descriptor(model.ProtocolRESTJSON, srv.URL+"/users", http.MethodPost),
		Params:      map[string]any{"name": "ada"},
		Credentials: model.Credentials{Headers: map[string]string{"Authorization": "Bearer t"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(c.body), &got); err != nil {
		t.Fatalf("body %q is not JSON: %v", c.body, err)
	}
	if got["name"] != "ada" {
		t.Errorf("body name = %v", got["name"])
	}
	if ct := c.headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if a := c.headers.Get("Authorization"); a != "Bearer t" {
		t.Errorf("Authorization = %q", a)
	}
}

func TestREST_postXMLBody(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `<ok/>`)
	h := NewRESTHandler(NewSender(), nil, FormatXML)
	_, err := h.Execute(context.Background(), model.DispatchRequest{
		Descriptor: descriptor(model.ProtocolRESTXML, srv.URL+"/orders", http.MethodPost),
		Params: map[string]any{
			"id":    7,
			"items": []any{"a", "b"},
			"note":  "x<y",
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "<request><id>7</id><items>a</items><items>b</items><note>x&lt;y</note></request>"
	if c.body != want {
		t.Errorf("body = %q, want %q", c.body, want)
	}
	if ct := c.headers.Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestREST_templateBody(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `{}`)
	desc := descriptor(model.ProtocolRESTJSON, srv.URL+"/users", http.MethodPut)
	desc.RequestTemplate = "user.json.tmpl"
	r := &fakeRenderer{out: `{"rendered":true}`}

	h := NewRESTHandler(NewSender(), r, FormatJSON)
	if _, err := h.Execute(context.Background(), model.DispatchRequest{
		Descriptor: desc,
		Params:     map[string]any{"a": 1},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if c.body != `{"rendered":true}` {
		t.Errorf("body = %q", c.body)
	}
	if r.calls.Load() != 1 {
		t.Errorf("render calls = %d, want 1", r.calls.Load())
	}
}

func TestREST_templateErrorIsConfiguration(t *testing.T) {
	desc := descriptor(model.ProtocolRESTJSON, "http://localhost/users", http.MethodPost)
	desc.RequestTemplate = "missing.tmpl"
	h := NewRESTHandler(NewSender(), &fakeRenderer{err: errors.New("not found")}, FormatJSON)

	_, err := h.Execute(context.Background(), model.DispatchRequest{Descriptor: desc})
	if model.KindOf(err) != model.KindInvalidConfiguration {
		t.Fatalf("kind = %v, want INVALID_CONFIGURATION", model.KindOf(err))
	}
}

func TestSOAP_wrapsEnvelopeAndSetsAction(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `<Envelope/>`)
	desc := descriptor(model.ProtocolSOAP, srv.URL+"/billing", "")
	desc.RequestTemplate = "billing/get-balance.xml"
	desc.SOAPAction = "urn:GetBalance"
	r := &fakeRenderer{out: `<?xml version="1.0"?><GetBalance><account>1</account></GetBalance>`}

	h := NewSOAPHandler(NewSender(), r)
	if _, err := h.Execute(context.Background(), model.DispatchRequest{Descriptor: desc}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if c.method != http.MethodPost {
		t.Errorf("method = %s, want POST", c.method)
	}
	if !strings.HasPrefix(c.body, "<soapenv:Envelope") ||
		!strings.Contains(c.body, "<soapenv:Body><GetBalance><account>1</account></GetBalance></soapenv:Body>") {
		t.Errorf("body = %q, want wrapped envelope", c.body)
	}
	if got := c.headers.Get("SOAPAction"); got != `"urn:GetBalance"` {
		t.Errorf("SOAPAction = %q", got)
	}
	if got := c.headers.Get("Content-Type"); got != "text/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestSOAP_keepsExistingEnvelope(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `<Envelope/>`)
	desc := descriptor(model.ProtocolSOAP, srv.URL, http.MethodPost)
	desc.RequestTemplate = "full.xml"
	env := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><Ping/></s:Body></s:Envelope>`

	h := NewSOAPHandler(NewSender(), &fakeRenderer{out: env})
	if _, err := h.Execute(context.Background(), model.DispatchRequest{Descriptor: desc}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if c.body != env {
		t.Errorf("body = %q, want template output unchanged", c.body)
	}
}

func TestSOAP_requiresTemplate(t *testing.T) {
	h := NewSOAPHandler(NewSender(), &fakeRenderer{})
	_, err := h.Execute(context.Background(), model.DispatchRequest{
		Descriptor: descriptor(model.ProtocolSOAP, "http://localhost/soap", http.MethodPost),
	})
	if model.KindOf(err) != model.KindInvalidConfiguration {
		t.Fatalf("kind = %v, want INVALID_CONFIGURATION", model.KindOf(err))
	}
}

func TestProxy_body(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"string body verbatim", map[string]any{"body": "raw-bytes", "x": 1}, "raw-bytes"},
		{"structured body as JSON", map[string]any{"body": map[string]any{"k": "v"}}, `{"k":"v"}`},
		{"no body sends params", map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, c := captureServer(t, http.StatusOK, "ok")
			h := NewProxyHandler(NewSender())
			raw, err := h.Execute(context.Background(), model.DispatchRequest{
				Descriptor: descriptor(model.ProtocolProxyPass, srv.URL, http.MethodPost),
				Params:     tt.params,
			})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if c.body != tt.want {
				t.Errorf("body = %q, want %q", c.body, tt.want)
			}
			if raw.Body != "ok" {
				t.Errorf("raw.Body = %q, want ok", raw.Body)
			}
		})
	}
}

func TestSender_errorStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusServiceUnavailable, "down")
	raw, err := NewSender().Send(context.Background(), model.OutboundRequest{
		Service: "svc", Method: http.MethodGet, URL: srv.URL,
	})
	var f *model.Failure
	if !errors.As(err, &f) || f.Kind != model.KindHTTPStatus {
		t.Fatalf("err = %v, want HTTP_STATUS failure", err)
	}
	if f.Status != 503 || f.Body != "down" {
		t.Errorf("failure status/body = %d/%q", f.Status, f.Body)
	}
	if raw.Status != 503 {
		t.Errorf("raw.Status = %d, want 503", raw.Status)
	}
}

func TestSender_connectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewSender().Send(context.Background(), model.OutboundRequest{
		Service: "svc", Method: http.MethodGet, URL: url,
		Timeouts: model.TimeoutConfig{Connect: time.Second},
	})
	if model.KindOf(err) != model.KindNetwork {
		t.Fatalf("kind = %v, want NETWORK (err=%v)", model.KindOf(err), err)
	}
}

func TestSender_readTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := NewSender().Send(context.Background(), model.OutboundRequest{
		Service: "slow", Method: http.MethodGet, URL: srv.URL,
		Timeouts: model.TimeoutConfig{Connect: time.Second, Read: 50 * time.Millisecond},
	})
	if model.KindOf(err) != model.KindTimeout {
		t.Fatalf("kind = %v, want TIMEOUT (err=%v)", model.KindOf(err), err)
	}
}

func TestSender_cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := NewSender().Send(ctx, model.OutboundRequest{
		Service: "svc", Method: http.MethodGet, URL: srv.URL,
	})
	if model.KindOf(err) != model.KindCancelled {
		t.Fatalf("kind = %v, want CANCELLED (err=%v)", model.KindOf(err), err)
	}
}

func TestSender_responseTooLarge(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, strings.Repeat("x", 64))
	_, err := NewSender(WithMaxResponseBytes(16)).Send(context.Background(), model.OutboundRequest{
		Service: "svc", Method: http.MethodGet, URL: srv.URL,
	})
	if model.KindOf(err) != model.KindResponseProcessing {
		t.Fatalf("kind = %v, want RESPONSE_PROCESSING", model.KindOf(err))
	}
}

func TestSender_observerAndHeaderSanitizing(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, "ok")
	var observed atomic.Int32
	s := NewSender(WithDownstreamObserver(func(service string, status int, _ time.Duration) {
		if service == "svc" && status == http.StatusOK {
			observed.Add(1)
		}
	}))

	_, err := s.Send(context.Background(), model.OutboundRequest{
		Service: "svc", Method: http.MethodGet, URL: srv.URL,
		Headers: map[string]string{"X-Injected": "a\r\nEvil: 1"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if observed.Load() != 1 {
		t.Errorf("observer calls = %d, want 1", observed.Load())
	}
	if got := c.headers.Get("X-Injected"); got != "aEvil: 1" {
		t.Errorf("X-Injected = %q, want CR/LF stripped", got)
	}
	if c.headers.Get("Evil") != "" {
		t.Error("header injection should not produce an Evil header")
	}
}
