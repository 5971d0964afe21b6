package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/protogate/internal/observability"
	"github.com/pitabwire/protogate/model"
)

const (
	// DefaultExpiryBuffer is subtracted from expires_in so tokens are
	// refreshed before the provider rejects them.
	DefaultExpiryBuffer = 300 * time.Second

	fetchTimeout     = 30 * time.Second
	maxTokenResponse = 1 << 20
)

type cachedToken struct {
	accessToken string
	tokenType   string
	expiresAt   time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   any    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenCache caches OAuth2 client-credentials tokens per endpoint and client.
// Reads are lock-free; concurrent misses for one key share a single fetch.
type TokenCache struct {
	client  *http.Client
	buffer  time.Duration
	now     func() time.Time
	logger  *zap.Logger
	onFetch func(endpoint, result string)

	entries sync.Map // key → *cachedToken
	group   singleflight.Group
}

// TokenCacheOption configures a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithHTTPClient sets the client used to call token endpoints.
func WithHTTPClient(c *http.Client) TokenCacheOption {
	return func(tc *TokenCache) { tc.client = c }
}

// WithExpiryBuffer overrides DefaultExpiryBuffer.
func WithExpiryBuffer(d time.Duration) TokenCacheOption {
	return func(tc *TokenCache) { tc.buffer = d }
}

// WithLogger sets the logger used for fetch diagnostics.
func WithLogger(l *zap.Logger) TokenCacheOption {
	return func(tc *TokenCache) { tc.logger = l }
}

// WithFetchHook registers a callback invoked after every token endpoint call
// with "ok" or "error".
func WithFetchHook(h func(endpoint, result string)) TokenCacheOption {
	return func(tc *TokenCache) { tc.onFetch = h }
}

// NewTokenCache creates an empty token cache.
func NewTokenCache(opts ...TokenCacheOption) *TokenCache {
	tc := &TokenCache{
		client: &http.Client{Timeout: fetchTimeout},
		buffer: DefaultExpiryBuffer,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

func cacheKey(endpoint, clientID string) string {
	return endpoint + "|" + clientID
}

// Token returns a valid access token, fetching one when the cached entry is
// missing or inside the expiry buffer.
func (c *TokenCache) Token(ctx context.Context, endpoint, clientID, secret, scope string) (string, error) {
	key := cacheKey(endpoint, clientID)
	if tok, ok := c.lookup(key); ok {
		return tok, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if tok, ok := c.lookup(key); ok {
			return tok, nil
		}
		// The fetch outlives any single caller so that one cancellation
		// does not fail every waiter.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, key, endpoint, clientID, secret, scope)
	})

	select {
	case <-ctx.Done():
		return "", model.WrapFailure(model.KindCancelled, ctx.Err(), "waiting for access token")
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token for endpoint and clientID.
func (c *TokenCache) Invalidate(endpoint, clientID string) {
	c.entries.Delete(cacheKey(endpoint, clientID))
}

func (c *TokenCache) lookup(key string) (string, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	tok := v.(*cachedToken)
	if !c.now().Before(tok.expiresAt) {
		return "", false
	}
	return tok.accessToken, true
}

func (c *TokenCache) fetch(ctx context.Context, key, endpoint, clientID, secret, scope string) (tok string, err error) {
	ctx, span := observability.StartSpan(ctx, "auth.token_fetch", observability.AttrTokenEndpoint.String(endpoint))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		if c.onFetch != nil {
			c.onFetch(endpoint, result)
		}
		observability.EndSpanWithError(span, err)
	}()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {secret},
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", model.WrapFailure(model.KindAuthenticationFailed, err, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", model.WrapFailure(model.KindAuthenticationFailed, err, "calling token endpoint %s", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return "", model.WrapFailure(model.KindAuthenticationFailed, err, "reading token response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", model.NewFailure(model.KindAuthenticationFailed, "token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", model.WrapFailure(model.KindAuthenticationFailed, err, "parsing token response")
	}
	if tr.AccessToken == "" {
		return "", model.NewFailure(model.KindAuthenticationFailed, "token response has no access_token")
	}

	expiresIn, err := cast.ToInt64E(tr.ExpiresIn)
	if err != nil {
		return "", model.WrapFailure(model.KindAuthenticationFailed, err, "parsing expires_in")
	}
	ttl := time.Duration(expiresIn) * time.Second

	c.entries.Store(key, &cachedToken{
		accessToken: tr.AccessToken,
		tokenType:   tr.TokenType,
		expiresAt:   c.now().Add(ttl - c.buffer),
	})

	c.logger.Debug("fetched access token",
		zap.String("endpoint", endpoint),
		zap.String("client_id", clientID),
		zap.Duration("expires_in", ttl),
	)
	return tr.AccessToken, nil
}

