package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// CorrelationPrefix starts every generated correlation ID.
const CorrelationPrefix = "pg-"

// NewCorrelationID returns a short random correlation ID such as "pg-1a2b3c4d".
func NewCorrelationID() string {
	return CorrelationPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

type correlationKey struct{}

// WithCorrelationID makes Invoke reuse a caller-supplied correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the ID stored by WithCorrelationID, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
