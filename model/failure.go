package model

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FailureKind is the closed set of failure tags every layer reports with.
type FailureKind int

// Failure kinds.
const (
	KindTechnical FailureKind = iota
	KindConfigNotFound
	KindInvalidConfiguration
	KindUnsupportedProtocol
	KindAuthenticationFailed
	KindNetwork
	KindTimeout
	KindHTTPStatus
	KindCircuitOpen
	KindRateLimited
	KindBusiness
	KindResponseProcessing
	KindCancelled
)

var kindTags = map[FailureKind]string{
	KindTechnical:            "TECHNICAL",
	KindConfigNotFound:       "CONFIG_NOT_FOUND",
	KindInvalidConfiguration: "INVALID_CONFIGURATION",
	KindUnsupportedProtocol:  "UNSUPPORTED_PROTOCOL",
	KindAuthenticationFailed: "AUTHENTICATION",
	KindNetwork:              "NETWORK",
	KindTimeout:              "TIMEOUT",
	KindHTTPStatus:           "HTTP_STATUS",
	KindCircuitOpen:          "CIRCUIT_OPEN",
	KindRateLimited:          "RATE_LIMITED",
	KindBusiness:             "BUSINESS",
	KindResponseProcessing:   "RESPONSE_PROCESSING",
	KindCancelled:            "CANCELLED",
}

func (k FailureKind) String() string {
	if tag, ok := kindTags[k]; ok {
		return tag
	}
	return "UNKNOWN"
}

// Failure is the error value returned by every gateway layer. Callers
// classify it with errors.As rather than by inspecting messages.
type Failure struct {
	Kind    FailureKind
	Message string
	// Status is the downstream HTTP status for KindHTTPStatus.
	Status int
	// Body is the downstream response body, if one was received.
	Body string
	// RetryAfter is a hint for KindCircuitOpen and KindRateLimited.
	RetryAfter time.Duration
	// Details carries extracted business fields such as returnCode.
	Details map[string]string
	Err     error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	if f.Kind == KindHTTPStatus {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(f.Status))
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Tag returns the most specific allowlist tag for the failure. HTTP status
// failures report HTTP_<code>.
func (f *Failure) Tag() string {
	if f.Kind == KindHTTPStatus && f.Status > 0 {
		return "HTTP_" + strconv.Itoa(f.Status)
	}
	return f.Kind.String()
}

// Matches reports whether the failure is covered by an allowlist tag. The
// generic HTTP_STATUS tag covers every status; HTTP_<code> covers one.
func (f *Failure) Matches(tag string) bool {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	if tag == f.Kind.String() {
		return true
	}
	return f.Kind == KindHTTPStatus && tag == f.Tag()
}

// ReasonMisconfiguration is the Details["reason"] value for failures caused by
// service configuration rather than by the downstream.
const ReasonMisconfiguration = "misconfiguration"

// WithDetail sets one Details entry and returns f.
func (f *Failure) WithDetail(key, value string) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]string)
	}
	f.Details[key] = value
	return f
}

// Misconfigured reports whether the failure was caused by configuration.
func (f *Failure) Misconfigured() bool {
	return f.Details["reason"] == ReasonMisconfiguration
}

// NewFailure returns a Failure of the given kind.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure returns a Failure of the given kind wrapping err.
func WrapFailure(kind FailureKind, err error, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewHTTPStatusFailure returns a Failure for a downstream error status.
func NewHTTPStatusFailure(status int, body string) *Failure {
	return &Failure{
		Kind:    KindHTTPStatus,
		Status:  status,
		Body:    body,
		Message: "downstream returned an error status",
	}
}

// AsFailure classifies any error as a Failure. Context errors become
// KindCancelled or KindTimeout; anything unrecognised is KindTechnical.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapFailure(KindCancelled, err, "call cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return WrapFailure(KindTimeout, err, "call deadline exceeded")
	}
	return WrapFailure(KindTechnical, err, "")
}

// KindOf returns the failure kind of err.
func KindOf(err error) FailureKind {
	return AsFailure(err).Kind
}
