package model

import "time"

// ResponseStatus classifies the outcome of an invocation.
type ResponseStatus string

// Response statuses.
const (
	StatusSuccess        ResponseStatus = "SUCCESS"
	StatusBusinessError  ResponseStatus = "BUSINESS_ERROR"
	StatusTechnicalError ResponseStatus = "TECHNICAL_ERROR"
	StatusCircuitOpen    ResponseStatus = "CIRCUIT_OPEN"
)

// ErrorCategory groups error codes by their cause.
type ErrorCategory string

// Error categories.
const (
	CategoryValidation     ErrorCategory = "VALIDATION"
	CategoryAuthentication ErrorCategory = "AUTHENTICATION"
	CategoryAuthorization  ErrorCategory = "AUTHORIZATION"
	CategoryBusiness       ErrorCategory = "BUSINESS"
	CategoryNetwork        ErrorCategory = "NETWORK"
	CategoryRateLimit      ErrorCategory = "RATE_LIMIT"
	CategoryTechnical      ErrorCategory = "TECHNICAL"
	CategoryCircuitBreaker ErrorCategory = "CIRCUIT_BREAKER"
)

// ErrorSeverity ranks how urgently an error needs attention.
type ErrorSeverity string

// Error severities.
const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// Standard error codes.
const (
	ErrInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCircuitOpen          = "CIRCUIT_OPEN"
	ErrAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrNetwork              = "NETWORK_ERROR"
	ErrTimeout              = "TIMEOUT_ERROR"
	ErrRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrSOAPBusiness         = "SOAP_BUSINESS_ERROR"
	ErrResponseProcessing   = "RESPONSE_PROCESSING_ERROR"
	ErrRequestCancelled     = "REQUEST_CANCELLED"
	ErrUnexpected           = "UNEXPECTED_ERROR"
)

// Error sources.
const (
	SourceGateway    = "GATEWAY_SERVICE"
	SourceDownstream = "DOWNSTREAM_SERVICE"
)

// StandardResponse is the single envelope returned for every invocation,
// successful or not.
type StandardResponse struct {
	Success       bool                `json:"success"`
	Status        ResponseStatus      `json:"status"`
	Payload       any                 `json:"payload,omitempty"`
	Error         *ErrorDetails       `json:"error,omitempty"`
	CorrelationID string              `json:"correlationId"`
	Timestamp     time.Time           `json:"timestamp"`
	ServiceName   string              `json:"serviceName"`
	Protocol      Protocol            `json:"protocol,omitempty"`
	Performance   *PerformanceMetrics `json:"performance,omitempty"`
}

// PerformanceMetrics reports timings gathered while serving a call.
type PerformanceMetrics struct {
	ExecutionTimeMs      int64  `json:"executionTimeMs"`
	RetryAttempts        int    `json:"retryAttempts"`
	CircuitBreakerState  string `json:"circuitBreakerState"`
	DownstreamCallTimeMs int64  `json:"downstreamCallTimeMs,omitempty"`
	AuthenticationTimeMs int64  `json:"authenticationTimeMs,omitempty"`
}

// ErrorDetails is the structured error record carried by a failed
// StandardResponse.
type ErrorDetails struct {
	ErrorCode         string         `json:"errorCode"`
	ErrorMessage      string         `json:"errorMessage"`
	ErrorDescription  string         `json:"errorDescription,omitempty"`
	Category          ErrorCategory  `json:"category"`
	Severity          ErrorSeverity  `json:"severity"`
	Source            string         `json:"source,omitempty"`
	TechnicalMessage  string         `json:"technicalMessage,omitempty"`
	Retryable         bool           `json:"retryable"`
	RetryAfterSeconds int            `json:"retryAfterSeconds,omitempty"`
	DownstreamService string         `json:"downstreamService,omitempty"`
	HTTPStatusCode    int            `json:"httpStatusCode,omitempty"`
	OriginalErrorCode string         `json:"originalErrorCode,omitempty"`
	AdditionalContext map[string]any `json:"additionalContext,omitempty"`
}

// StatusForCategory derives the response status from an error category.
func StatusForCategory(c ErrorCategory) ResponseStatus {
	switch c {
	case CategoryBusiness, CategoryValidation:
		return StatusBusinessError
	case CategoryCircuitBreaker:
		return StatusCircuitOpen
	default:
		return StatusTechnicalError
	}
}
