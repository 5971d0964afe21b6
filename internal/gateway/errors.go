package gateway

import (
	"math"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/pitabwire/protogate/model"
)

const maxContextBody = 512

// MapFailure converts any error into the error record of a StandardResponse.
// It is the single place where failure kinds become codes, categories and
// retry hints.
func MapFailure(err error, service string) model.ErrorDetails {
	f := model.AsFailure(err)
	if f == nil {
		f = model.NewFailure(model.KindTechnical, "unknown failure")
	}

	d := model.ErrorDetails{
		Source:            model.SourceGateway,
		TechnicalMessage:  f.Error(),
		DownstreamService: service,
	}

	switch f.Kind {
	case model.KindConfigNotFound, model.KindInvalidConfiguration:
		d.ErrorCode = model.ErrInvalidConfiguration
		d.ErrorMessage = "Service configuration is missing or invalid"
		d.Category, d.Severity = model.CategoryValidation, model.SeverityHigh

	case model.KindUnsupportedProtocol:
		d.ErrorCode = model.ErrUnsupportedOperation
		d.ErrorMessage = "Protocol is not supported"
		d.Category, d.Severity = model.CategoryTechnical, model.SeverityMedium

	case model.KindCircuitOpen:
		d.ErrorCode = model.ErrCircuitOpen
		d.ErrorMessage = "Service temporarily unavailable"
		d.Category, d.Severity = model.CategoryCircuitBreaker, model.SeverityHigh
		d.RetryAfterSeconds = int(math.Ceil(f.RetryAfter.Seconds()))

	case model.KindAuthenticationFailed:
		d.ErrorCode = model.ErrAuthenticationFailed
		d.ErrorMessage = "Authentication with the downstream service failed"
		d.Category, d.Severity = model.CategoryAuthentication, model.SeverityHigh
		if f.Misconfigured() {
			d.Severity = model.SeverityCritical
		}

	case model.KindNetwork:
		d.ErrorCode = model.ErrNetwork
		d.ErrorMessage = "Could not reach the downstream service"
		d.Category, d.Severity = model.CategoryNetwork, model.SeverityHigh
		d.Source = model.SourceDownstream
		d.Retryable, d.RetryAfterSeconds = true, 30

	case model.KindTimeout:
		d.ErrorCode = model.ErrTimeout
		d.ErrorMessage = "The downstream service did not respond in time"
		d.Category, d.Severity = model.CategoryNetwork, model.SeverityHigh
		d.Source = model.SourceDownstream
		d.Retryable, d.RetryAfterSeconds = true, 30

	case model.KindHTTPStatus:
		mapHTTPStatus(&d, f)

	case model.KindRateLimited:
		d.ErrorCode = model.ErrRateLimitExceeded
		d.ErrorMessage = "Rate limit exceeded"
		d.Category, d.Severity = model.CategoryRateLimit, model.SeverityMedium
		d.Retryable, d.RetryAfterSeconds = true, 1

	case model.KindBusiness:
		d.ErrorCode = model.ErrSOAPBusiness
		d.ErrorMessage = "The downstream service reported a business error"
		d.ErrorDescription = f.Details["errorDescription"]
		d.Category, d.Severity = model.CategoryBusiness, model.SeverityMedium
		d.Source = model.SourceDownstream
		d.OriginalErrorCode = f.Details["originalErrorCode"]
		d.AdditionalContext = map[string]any{
			"returnCode":  f.Details["returnCode"],
			"errorDetail": f.Details["errorDetail"],
		}

	case model.KindResponseProcessing:
		d.ErrorCode = model.ErrResponseProcessing
		d.ErrorMessage = "The downstream response could not be processed"
		d.Category, d.Severity = model.CategoryTechnical, model.SeverityHigh

	case model.KindCancelled:
		d.ErrorCode = model.ErrRequestCancelled
		d.ErrorMessage = "The request was cancelled"
		d.Category, d.Severity = model.CategoryTechnical, model.SeverityMedium

	default:
		d.ErrorCode = model.ErrUnexpected
		d.ErrorMessage = "An unexpected error occurred"
		d.Category, d.Severity = model.CategoryTechnical, model.SeverityCritical
		d.Retryable, d.RetryAfterSeconds = true, 30
	}

	if d.ErrorDescription == "" {
		d.ErrorDescription = f.Message
	}
	return d
}

func mapHTTPStatus(d *model.ErrorDetails, f *model.Failure) {
	d.ErrorCode = "HTTP_" + strconv.Itoa(f.Status)
	d.HTTPStatusCode = f.Status
	d.Source = model.SourceDownstream
	d.OriginalErrorCode = strconv.Itoa(f.Status)
	if f.Body != "" {
		d.AdditionalContext = map[string]any{"responseBody": truncate(f.Body, maxContextBody)}
	}

	if f.Status >= 500 {
		d.ErrorMessage = "The downstream service failed"
		d.Category, d.Severity = model.CategoryTechnical, model.SeverityCritical
		d.Retryable, d.RetryAfterSeconds = true, 30
		return
	}

	d.ErrorMessage = "The downstream service rejected the request"
	d.Severity = model.SeverityMedium
	switch f.Status {
	case http.StatusBadRequest:
		d.Category = model.CategoryValidation
	case http.StatusUnauthorized:
		d.Category, d.Severity = model.CategoryAuthentication, model.SeverityHigh
	case http.StatusForbidden:
		d.Category, d.Severity = model.CategoryAuthorization, model.SeverityHigh
	case http.StatusTooManyRequests:
		d.Category = model.CategoryRateLimit
		d.Retryable, d.RetryAfterSeconds = true, 60
	case http.StatusRequestTimeout:
		d.Category = model.CategoryBusiness
		d.Retryable = true
	default:
		d.Category = model.CategoryBusiness
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
