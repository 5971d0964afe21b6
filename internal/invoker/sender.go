package invoker

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/protogate/internal/observability"
	"github.com/pitabwire/protogate/model"
)

// DefaultMaxResponseBytes caps how much of a downstream body is read.
const DefaultMaxResponseBytes = 10 << 20

// DownstreamObserver is notified after every HTTP exchange. status is 0 when
// no response was received.
type DownstreamObserver func(service string, status int, duration time.Duration)

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithMaxResponseBytes overrides DefaultMaxResponseBytes.
func WithMaxResponseBytes(n int64) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithSenderLogger sets the logger used for transport diagnostics.
func WithSenderLogger(l *zap.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// WithDownstreamObserver registers a callback for every exchange.
func WithDownstreamObserver(fn DownstreamObserver) SenderOption {
	return func(s *Sender) { s.observe = fn }
}

// Sender performs single HTTP exchanges. It keeps one pooled http.Client per
// service, built from the first request's timeouts and certificates.
type Sender struct {
	maxBytes int64
	logger   *zap.Logger
	observe  DownstreamObserver
	clients  sync.Map // service name -> *http.Client
}

// NewSender creates a Sender.
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{maxBytes: DefaultMaxResponseBytes, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send performs one exchange. Statuses of 400 and above come back as an
// HTTPStatus failure alongside the raw response.
func (s *Sender) Send(ctx context.Context, req model.OutboundRequest) (model.RawResponse, error) {
	ctx, span := observability.StartSpan(ctx, "invoker.send",
		observability.AttrService.String(req.Service),
		attribute.String("http.method", req.Method),
	)
	raw, err := s.send(ctx, req)
	if raw.Status > 0 {
		span.SetAttributes(observability.AttrStatus.Int(raw.Status))
	}
	observability.EndSpanWithError(span, err)
	return raw, err
}

func (s *Sender) send(ctx context.Context, req model.OutboundRequest) (model.RawResponse, error) {
	client, err := s.client(req)
	if err != nil {
		return model.RawResponse{}, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return model.RawResponse{}, model.WrapFailure(model.KindInvalidConfiguration, err,
			"building request for %s", req.Service)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		s.notify(req.Service, 0, time.Since(start))
		return model.RawResponse{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	s.notify(req.Service, resp.StatusCode, time.Since(start))
	if err != nil {
		return model.RawResponse{Status: resp.StatusCode}, classifyTransportError(ctx, err)
	}
	if int64(len(data)) > s.maxBytes {
		return model.RawResponse{Status: resp.StatusCode}, model.NewFailure(model.KindResponseProcessing,
			"response from %s exceeds %d bytes", req.Service, s.maxBytes)
	}

	raw := model.RawResponse{
		Status:  resp.StatusCode,
		Headers: extractResponseHeaders(resp),
		Body:    string(data),
	}

	s.logger.Debug("downstream exchange",
		zap.String("service", req.Service),
		zap.String("method", req.Method),
		zap.Int("status", raw.Status),
		zap.Duration("duration", time.Since(start)),
	)

	if raw.Status >= 400 {
		return raw, model.NewHTTPStatusFailure(raw.Status, raw.Body)
	}
	return raw, nil
}

func (s *Sender) notify(service string, status int, d time.Duration) {
	if s.observe != nil {
		s.observe(service, status, d)
	}
}

func (s *Sender) client(req model.OutboundRequest) (*http.Client, error) {
	if c, ok := s.clients.Load(req.Service); ok {
		return c.(*http.Client), nil
	}
	c, err := newHTTPClient(req.Timeouts, req.Auth)
	if err != nil {
		return nil, err
	}
	actual, _ := s.clients.LoadOrStore(req.Service, c)
	return actual.(*http.Client), nil
}

// Forget drops the pooled client for a service, e.g. after a registry reload.
func (s *Sender) Forget(service string) {
	if c, ok := s.clients.LoadAndDelete(service); ok {
		c.(*http.Client).CloseIdleConnections()
	}
}

func newHTTPClient(timeouts model.TimeoutConfig, auth model.AuthConfig) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: timeouts.Connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeouts.Read,
	}
	if auth.Type == model.AuthCertificate {
		tlsCfg, err := clientTLSConfig(auth)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	return &http.Client{Transport: transport}, nil
}

func clientTLSConfig(auth model.AuthConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, model.WrapFailure(model.KindAuthenticationFailed, err, "loading client certificate").
			WithDetail("reason", model.ReasonMisconfiguration)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if auth.CAFile != "" {
		pem, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, model.WrapFailure(model.KindAuthenticationFailed, err, "reading CA bundle").
				WithDetail("reason", model.ReasonMisconfiguration)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, model.NewFailure(model.KindAuthenticationFailed, "CA bundle %s has no certificates", auth.CAFile).
				WithDetail("reason", model.ReasonMisconfiguration)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// classifyTransportError maps a client error to a failure kind. The caller's
// context decides between cancellation and timeout when it is done.
func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return model.WrapFailure(model.KindCancelled, err, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return model.WrapFailure(model.KindTimeout, err, "request deadline exceeded")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.WrapFailure(model.KindTimeout, err, "request timed out")
	}
	if isConnectionError(err) {
		return model.WrapFailure(model.KindNetwork, err, "connection failed")
	}
	return model.WrapFailure(model.KindNetwork, err, "transport error")
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func extractResponseHeaders(resp *http.Response) map[string]string {
	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	return headers
}
