// Package auth computes the credentials attached to outbound downstream
// requests for each authentication strategy.
package auth

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pitabwire/protogate/model"
)

const defaultMintedTTL = 5 * time.Minute

// Resolver turns a descriptor's AuthConfig into request credentials.
type Resolver struct {
	tokens *TokenCache
	now    func() time.Time
	getenv func(string) string
}

// NewResolver creates a Resolver using tokens for OAUTH2 services.
func NewResolver(tokens *TokenCache) *Resolver {
	return &Resolver{
		tokens: tokens,
		now:    time.Now,
		getenv: os.Getenv,
	}
}

// Resolve returns the headers and query parameters for desc. Any failure is
// an AUTHENTICATION failure.
func (r *Resolver) Resolve(ctx context.Context, desc *model.ServiceDescriptor) (model.Credentials, error) {
	a := desc.Auth
	switch a.Type {
	case "", model.AuthNone, model.AuthCertificate:
		return model.Credentials{}, nil

	case model.AuthAPIKey:
		key, err := r.secret(a.TokenSource, "token_source")
		if err != nil {
			return model.Credentials{}, err
		}
		if a.Location == model.KeyInQuery {
			return model.Credentials{Query: map[string]string{a.KeyName: key}}, nil
		}
		return model.Credentials{Headers: map[string]string{a.KeyName: key}}, nil

	case model.AuthJWTBearer:
		token, err := r.bearerToken(desc)
		if err != nil {
			return model.Credentials{}, err
		}
		return bearer(token), nil

	case model.AuthOAuth2:
		var secret string
		if a.ClientSecret != "" {
			var err error
			if secret, err = r.secret(a.ClientSecret, "client_secret"); err != nil {
				return model.Credentials{}, err
			}
		}
		token, err := r.tokens.Token(ctx, a.TokenEndpoint, a.ClientID, secret, a.Scope)
		if err != nil {
			return model.Credentials{}, err
		}
		return bearer(token), nil

	default:
		return model.Credentials{}, misconfigured("unsupported auth type %q", a.Type)
	}
}

func (r *Resolver) bearerToken(desc *model.ServiceDescriptor) (string, error) {
	a := desc.Auth
	if a.TokenSource != "" {
		return r.secret(a.TokenSource, "token_source")
	}

	key, err := r.secret(a.SigningSecret, "signing_secret")
	if err != nil {
		return "", err
	}

	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = defaultMintedTTL
	}
	now := r.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.Issuer,
		Subject:   a.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if claims.Subject == "" {
		claims.Subject = desc.Name
	}
	if a.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", model.WrapFailure(model.KindAuthenticationFailed, err, "signing bearer token")
	}
	return signed, nil
}

// secret resolves a literal or "env:NAME" value.
func (r *Resolver) secret(src, field string) (string, error) {
	if name, ok := strings.CutPrefix(src, "env:"); ok {
		v := r.getenv(name)
		if v == "" {
			return "", misconfigured("%s: environment variable %s is not set", field, name)
		}
		return v, nil
	}
	if src == "" {
		return "", misconfigured("%s is empty", field)
	}
	return src, nil
}

func bearer(token string) model.Credentials {
	return model.Credentials{Headers: map[string]string{"Authorization": "Bearer " + token}}
}

func misconfigured(format string, args ...any) *model.Failure {
	return model.NewFailure(model.KindAuthenticationFailed, format, args...).
		WithDetail("reason", model.ReasonMisconfiguration)
}
