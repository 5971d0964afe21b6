package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/protogate/internal/config"
	"github.com/pitabwire/protogate/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to
// cfg.LogOutput, stdout by default.
//
// Log level usage conventions:
//   - error: unexpected failures, downstream 5xx
//   - warn:  circuit open, business errors, retries exhausted
//   - info:  invocation completed, server lifecycle
//   - debug: retries, token fetches, template cache loads, redacted params
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	output := cfg.LogOutput
	if output == "" {
		output = "stdout"
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// InvocationLogger returns a logger carrying the correlation ID and service
// of the invocation stored in ctx, plus the trace ID when a span is active.
func InvocationLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	ic := model.InvocationContextFrom(ctx)
	if ic == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("correlation_id", ic.CorrelationID),
		zap.String("service", ic.ServiceName),
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	return logger.With(fields...)
}

var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"client_secret": true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"credit_card":   true,
	"pin":           true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". Field names match case-insensitively. Intended for debug
// logging of invocation params only.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[strings.ToLower(f)] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		switch nested := v.(type) {
		case map[string]any:
			if redactSet[strings.ToLower(k)] {
				result[k] = "[REDACTED]"
			} else {
				result[k] = RedactBody(nested, sensitiveFields)
			}
		default:
			if redactSet[strings.ToLower(k)] {
				result[k] = "[REDACTED]"
			} else {
				result[k] = v
			}
		}
	}
	return result
}
