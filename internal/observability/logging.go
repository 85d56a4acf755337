package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/casedesk/internal/config"
	"github.com/pitabwire/casedesk/model"
)

// NewLogger creates the casedesk JSON logger on stdout. Every entry carries
// service=casedesk.
//
// Log level usage conventions:
//   - error: audit store or event bus failures, unhandled panics, 5xx responses
//   - warn:  platform rejections, breaker open, rejected definition reloads
//   - info:  manual completions, review actions, definition reloads
//   - debug: poll results, retries, dropped stale responses
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	return zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          "json",
		EncoderConfig:     enc,
		DisableStacktrace: level > zapcore.DebugLevel,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		InitialFields:     map[string]any{"service": "casedesk"},
	}.Build()
}

type caseKey struct{}

type caseScope struct {
	applicationID string
	stage         string
}

// WithCase records the application and stage an operation works on, so
// loggers derived from ctx name them.
func WithCase(ctx context.Context, applicationID, stage string) context.Context {
	return context.WithValue(ctx, caseKey{}, caseScope{applicationID: applicationID, stage: stage})
}

// CaseFrom returns the application and stage stored by WithCase.
func CaseFrom(ctx context.Context) (applicationID, stage string) {
	s, _ := ctx.Value(caseKey{}).(caseScope)
	return s.applicationID, s.stage
}

// RequestLogger returns base enriched with the operator and case fields
// found in ctx.
func RequestLogger(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}

	var fields []zap.Field
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("subject_id", rctx.SubjectID),
			zap.String("actor", rctx.Actor()),
			zap.String("correlation_id", rctx.CorrelationID),
		)
		if rctx.TraceID != "" {
			fields = append(fields, zap.String("trace_id", rctx.TraceID))
		}
	}
	if appID, stage := CaseFrom(ctx); appID != "" {
		fields = append(fields, zap.String("application_id", appID))
		if stage != "" {
			fields = append(fields, zap.String("stage", stage))
		}
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// CaseLogger is RequestLogger for one application and stage.
func CaseLogger(ctx context.Context, base *zap.Logger, applicationID, stage string) *zap.Logger {
	return RequestLogger(WithCase(ctx, applicationID, stage), base)
}

// Applicant data and credentials. Keys are compared in lower case.
var sensitiveKeys = map[string]bool{
	"token":            true,
	"access_token":     true,
	"authorization":    true,
	"fullname":         true,
	"full_name":        true,
	"customername":     true,
	"customer_name":    true,
	"date_of_birth":    true,
	"dob":              true,
	"national_id":      true,
	"passport_number":  true,
	"phone":            true,
	"email":            true,
	"address":          true,
	"bank_account":     true,
	"policy_number":    true,
	"medical_history":  true,
	"personal_details": true,
}

// RedactRecord returns a copy of a loosely typed platform record with
// applicant data replaced by "[REDACTED]". extra names more keys. Maps and
// lists are walked; other values are returned as is.
func RedactRecord(v any, extra ...string) any {
	keys := sensitiveKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(sensitiveKeys)+len(extra))
		for k := range sensitiveKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[strings.ToLower(k)] = true
		}
	}
	return redact(v, keys)
}

func redact(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if keys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redact(val, keys)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val, keys)
		}
		return out
	default:
		return v
	}
}
