package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), degraded operation (circuit breaker open), skipped restores
//   - info:  Session lifecycle, saves, model payload reloads
//   - debug: Cache operations, edit payloads, rule evaluation failures
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
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
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.Locale != "" {
		fields = append(fields, zap.String("language", rctx.Language()))
	}

	return logger.With(fields...)
}

// sensitiveAttributes names attribute ids whose edited values never reach
// the logs.
var sensitiveAttributes = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"private_key":   true,
	"credentials":   true,
}

// EditFields returns the log fields describing an edit request. Values of
// attributes named in sensitiveAttributes, or in extra, are replaced by
// "[REDACTED]". Intended for debug-level logging only.
func EditFields(in model.EditInput, extra ...string) []zap.Field {
	fields := []zap.Field{
		zap.String("selector", in.Selector),
	}
	if in.Type != "" {
		fields = append(fields, zap.String("action_type", in.Type))
	}

	id := selectedAttribute(in.Selector)
	if sensitiveAttributes[id] || slices.Contains(extra, id) {
		return append(fields, zap.String("value", redacted))
	}
	if in.Values != nil {
		return append(fields, zap.Any("values", in.Values))
	}
	return append(fields, zap.Any("value", in.Value))
}

const redacted = "[REDACTED]"

// selectedAttribute returns the attribute id addressed by the last segment
// of selector.
func selectedAttribute(selector string) string {
	last := selector
	if i := strings.LastIndexByte(selector, '/'); i >= 0 {
		last = selector[i+1:]
	}
	kind, id, ok := strings.Cut(last, "=")
	if !ok || kind != "attribute" {
		return ""
	}
	return id
}
