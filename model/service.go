package model

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the wire protocol a downstream service speaks.
type Protocol string

// Supported protocol tags.
const (
	ProtocolRESTJSON  Protocol = "REST_JSON"
	ProtocolRESTXML   Protocol = "REST_XML"
	ProtocolSOAP      Protocol = "SOAP"
	ProtocolProxyPass Protocol = "PROXY_PASS"
)

// IsREST reports whether the protocol is one of the REST variants.
func (p Protocol) IsREST() bool {
	return p == ProtocolRESTJSON || p == ProtocolRESTXML
}

// ServiceDescriptor is the immutable configuration of one downstream
// integration. Descriptors are created when the registry is loaded and shared
// read-only across all concurrent invocations.
type ServiceDescriptor struct {
	Name             string            `yaml:"name" json:"name"`
	Protocol         Protocol          `yaml:"protocol" json:"protocol"`
	Endpoint         string            `yaml:"endpoint" json:"endpoint"`
	Method           string            `yaml:"method" json:"method"`
	Headers          map[string]string `yaml:"headers" json:"headers,omitempty"`
	RequestTemplate  string            `yaml:"request_template" json:"requestTemplate,omitempty"`
	ResponseTemplate string            `yaml:"response_template" json:"responseTemplate,omitempty"`
	SOAPAction       string            `yaml:"soap_action" json:"soapAction,omitempty"`
	Auth             AuthConfig        `yaml:"auth" json:"auth"`
	Resilience       ResilienceConfig  `yaml:"resilience" json:"resilience"`
	SOAPErrorPaths   SOAPErrorPaths    `yaml:"soap_error_paths" json:"soapErrorPaths"`

	// SourceFile is the catalog file the descriptor was loaded from.
	SourceFile string `yaml:"-" json:"-"`
}

// AuthType is the tag of the AuthConfig union.
type AuthType string

// Supported authentication strategies.
const (
	AuthNone        AuthType = "NONE"
	AuthAPIKey      AuthType = "API_KEY"
	AuthJWTBearer   AuthType = "JWT_BEARER"
	AuthOAuth2      AuthType = "OAUTH2"
	AuthCertificate AuthType = "CERTIFICATE"
)

// KeyLocation says where an API key is placed on the outbound request.
type KeyLocation string

// API key locations.
const (
	KeyInHeader KeyLocation = "HEADER"
	KeyInQuery  KeyLocation = "QUERY"
)

// AuthConfig describes how credentials are computed for a service. Only the
// fields relevant to Type are read.
type AuthConfig struct {
	Type AuthType `yaml:"type" json:"type"`

	// API_KEY
	KeyName  string      `yaml:"key_name" json:"keyName,omitempty"`
	Location KeyLocation `yaml:"location" json:"location,omitempty"`

	// API_KEY and static JWT_BEARER. Supports "env:NAME".
	TokenSource string `yaml:"token_source" json:"-"`

	// JWT_BEARER minted per call
	SigningSecret string        `yaml:"signing_secret" json:"-"`
	Issuer        string        `yaml:"issuer" json:"issuer,omitempty"`
	Subject       string        `yaml:"subject" json:"subject,omitempty"`
	Audience      string        `yaml:"audience" json:"audience,omitempty"`
	TokenTTL      time.Duration `yaml:"token_ttl" json:"-"`

	// OAUTH2 client credentials
	TokenEndpoint string `yaml:"token_endpoint" json:"tokenEndpoint,omitempty"`
	ClientID      string `yaml:"client_id" json:"clientId,omitempty"`
	ClientSecret  string `yaml:"client_secret" json:"-"`
	Scope         string `yaml:"scope" json:"scope,omitempty"`

	// CERTIFICATE (mutual TLS)
	CertFile string `yaml:"cert_file" json:"-"`
	KeyFile  string `yaml:"key_file" json:"-"`
	CAFile   string `yaml:"ca_file" json:"-"`
}

// Validate checks that the variant carries the fields its strategy needs.
func (a AuthConfig) Validate() error {
	var errs []string
	switch a.Type {
	case "", AuthNone:
	case AuthAPIKey:
		if a.KeyName == "" {
			errs = append(errs, "key_name is required")
		}
		if a.TokenSource == "" {
			errs = append(errs, "token_source is required")
		}
		if a.Location != "" && a.Location != KeyInHeader && a.Location != KeyInQuery {
			errs = append(errs, fmt.Sprintf("unknown location %q", a.Location))
		}
	case AuthJWTBearer:
		if a.TokenSource == "" && a.SigningSecret == "" {
			errs = append(errs, "token_source or signing_secret is required")
		}
	case AuthOAuth2:
		if a.TokenEndpoint == "" {
			errs = append(errs, "token_endpoint is required")
		}
		if a.ClientID == "" {
			errs = append(errs, "client_id is required")
		}
	case AuthCertificate:
		if a.CertFile == "" || a.KeyFile == "" {
			errs = append(errs, "cert_file and key_file are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown auth type %q", a.Type))
	}
	if len(errs) > 0 {
		return fmt.Errorf("auth: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ResilienceConfig groups the per-service protection policies.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Timeouts       TimeoutConfig        `yaml:"timeouts" json:"timeouts"`
	RateLimiter    RateLimiterConfig    `yaml:"rate_limiter" json:"rateLimiter"`
}

// CircuitBreakerConfig configures the count-based sliding window breaker.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// FailureRateThreshold is a percentage in (0, 100].
	FailureRateThreshold    float64       `yaml:"failure_rate_threshold" json:"failureRateThreshold"`
	SlidingWindowSize       int           `yaml:"sliding_window_size" json:"slidingWindowSize"`
	MinimumCalls            int           `yaml:"minimum_calls" json:"minimumCalls"`
	WaitDurationInOpenState time.Duration `yaml:"wait_duration_in_open_state" json:"waitDurationInOpenState"`
}

// RetryStrategy selects how the interval between attempts is computed.
type RetryStrategy string

// Retry strategies.
const (
	RetryFixedInterval      RetryStrategy = "FIXED_INTERVAL"
	RetryExponentialBackoff RetryStrategy = "EXPONENTIAL_BACKOFF"
)

// RetryConfig configures bounded re-attempts of retryable failures.
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts     int           `yaml:"max_attempts" json:"maxAttempts"`
	Strategy        RetryStrategy `yaml:"strategy" json:"strategy"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initialInterval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"maxInterval"`
	// RetryOn lists failure tags (NETWORK, TIMEOUT, HTTP_STATUS, HTTP_503, ...).
	RetryOn []string `yaml:"retry_on" json:"retryOn,omitempty"`
}

// TimeoutConfig bounds the transport call. Total covers all attempts.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" json:"connect"`
	Read    time.Duration `yaml:"read" json:"read"`
	Total   time.Duration `yaml:"total" json:"total"`
}

// RateLimiterConfig caps the call rate towards one service.
type RateLimiterConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	PermitsPerSecond float64       `yaml:"permits_per_second" json:"permitsPerSecond"`
	Burst            int           `yaml:"burst" json:"burst"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// SOAPErrorPaths names the elements inspected for embedded business codes.
// Empty fields fall back to the defaults below.
type SOAPErrorPaths struct {
	HeaderElement    string `yaml:"header_element" json:"headerElement,omitempty"`
	ReturnCode       string `yaml:"return_code" json:"returnCode,omitempty"`
	ErrorDescription string `yaml:"error_description" json:"errorDescription,omitempty"`
	ErrorDetail      string `yaml:"error_detail" json:"errorDetail,omitempty"`
	SuccessCode      string `yaml:"success_code" json:"successCode,omitempty"`
}

// WithDefaults returns a copy with empty fields populated.
func (p SOAPErrorPaths) WithDefaults() SOAPErrorPaths {
	if p.ReturnCode == "" {
		p.ReturnCode = "returnCode"
	}
	if p.ErrorDescription == "" {
		p.ErrorDescription = "errorDescription"
	}
	if p.ErrorDetail == "" {
		p.ErrorDetail = "errorDetail"
	}
	if p.SuccessCode == "" {
		p.SuccessCode = "0"
	}
	return p
}
