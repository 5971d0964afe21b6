package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFailure_Tag(t *testing.T) {
	if got := NewHTTPStatusFailure(503, "").Tag(); got != "HTTP_503" {
		t.Errorf("Tag() = %q, want HTTP_503", got)
	}
	if got := NewFailure(KindNetwork, "refused").Tag(); got != "NETWORK" {
		t.Errorf("Tag() = %q, want NETWORK", got)
	}
}

func TestFailure_Matches(t *testing.T) {
	f := NewHTTPStatusFailure(503, "")
	tests := []struct {
		tag  string
		want bool
	}{
		{"HTTP_503", true},
		{"http_503", true},
		{"HTTP_STATUS", true},
		{"HTTP_502", false},
		{"NETWORK", false},
	}
	for _, tt := range tests {
		if got := f.Matches(tt.tag); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
	if !NewFailure(KindTimeout, "").Matches("TIMEOUT") {
		t.Error("timeout failure should match TIMEOUT")
	}
}

func TestFailure_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	f := WrapFailure(KindNetwork, cause, "calling %s", "user-api")

	if got, want := f.Error(), "NETWORK: calling user-api: dial tcp: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(f, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestAsFailure(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewFailure(KindBusiness, "code 7"))
	if got := AsFailure(wrapped).Kind; got != KindBusiness {
		t.Errorf("Kind = %v, want BUSINESS", got)
	}
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(Canceled) = %v, want CANCELLED", got)
	}
	if got := KindOf(fmt.Errorf("x: %w", context.DeadlineExceeded)); got != KindTimeout {
		t.Errorf("KindOf(DeadlineExceeded) = %v, want TIMEOUT", got)
	}
	if got := KindOf(errors.New("boom")); got != KindTechnical {
		t.Errorf("KindOf(plain) = %v, want TECHNICAL", got)
	}
	if AsFailure(nil) != nil {
		t.Error("AsFailure(nil) should be nil")
	}
}
