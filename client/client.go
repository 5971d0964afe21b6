// Package client calls a remote gateway over its HTTP front-end.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/protogate/internal/gateway"
	"github.com/pitabwire/protogate/model"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	defaultInterval   = 200 * time.Millisecond
	maxResponseBytes  = 10 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetry sets how many times a transport failure is retried and the
// first wait. Zero retries disables retrying.
func WithRetry(maxRetries int, initial time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = maxRetries
		cl.initialInterval = initial
	}
}

// WithBearerToken sends the token in the Authorization header.
func WithBearerToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// ContextWithCorrelationID makes calls made with the returned context carry
// id in the X-Correlation-Id header. The gateway then reports it back instead
// of generating one.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return gateway.WithCorrelationID(ctx, id)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	maxRetries      int
	initialInterval time.Duration
	token           string
	logger          *zap.Logger
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: defaultTimeout},
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInterval,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes service with params. Downstream failures come back inside
// the StandardResponse with a nil error; the error is reserved for problems
// reaching the gateway or a request it rejected. Connection failures and
// 5xx replies from the gateway are retried, rejections are not.
func (c *Client) Call(ctx context.Context, service string, params map[string]any) (*model.StandardResponse, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("client: encoding params: %w", err)
	}

	endpoint := c.baseURL + "/adapter/call/" + url.PathEscape(service)
	var resp model.StandardResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Services lists the service names registered on the gateway.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	var list struct {
		Services []string `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/adapter/services", nil, &list); err != nil {
		return nil, err
	}
	return list.Services, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	attempt := 0
	data, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		attempt++
		return c.once(ctx, method, endpoint, body)
	}, c.backOff(ctx), func(err error, wait time.Duration) {
		c.logger.Debug("retrying gateway call",
			zap.String("url", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = 0
	var bo backoff.BackOff = b
	if c.maxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(c.maxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// once performs a single exchange. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (c *Client) once(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("client: building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := gateway.CorrelationIDFrom(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("client: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("client: reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &StatusError{Status: resp.StatusCode, Envelope: decodeEnvelope(data)}
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(&StatusError{Status: resp.StatusCode, Envelope: decodeEnvelope(data)})
	}
	return data, nil
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	Status   int
	Envelope *model.ErrorEnvelope
}

func (e *StatusError) Error() string {
	if e.Envelope != nil {
		return fmt.Sprintf("client: gateway returned %d: %s", e.Status, e.Envelope.Error())
	}
	return fmt.Sprintf("client: gateway returned %d", e.Status)
}

// Unwrap exposes the gateway's error envelope, when there was one.
func (e *StatusError) Unwrap() error {
	if e.Envelope == nil {
		return nil
	}
	return e.Envelope
}

func decodeEnvelope(data []byte) *model.ErrorEnvelope {
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == nil {
		return nil
	}
	return body.Error
}

// IsRejected reports whether err is a 4xx answer from the gateway.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500
}
