// Package logging provides the gateway's structured, PHI-redacting logger.
package logging

import (
	"go.uber.org/zap"
)

// Logger wraps zap the same way pkg/Logger does, with a redaction layer
// in front of every structured field.
type Logger struct {
	*zap.SugaredLogger
}

// redactedFields are never allowed to reach a sink with their real value.
var redactedFields = map[string]struct{}{
	"transcript": {},
	"text":       {},
	"audio":      {},
	"narrative":  {},
	"email":      {},
	"phone":      {},
	"name":       {},
	"patient":    {},
}

const redactSentinel = "[REDACTED]"

// Build constructs a Logger. debug selects a colorized development encoder;
// otherwise a line-delimited JSON production encoder is used.
func Build(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.CallerKey = "caller"
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Encoding = "json"
	}

	logger, _ := cfg.Build(zap.AddCaller())
	return &Logger{logger.Sugar()}
}

// New is the process-wide constructor, invoked once at startup.
func New(debug bool) *Logger {
	return Build(debug)
}

// Field builds a zap.Field, redacting the value when key is on the redact
// list. Nested maps are redacted recursively so a payload field containing
// transcript text never leaks a real value.
func Field(key string, value any) zap.Field {
	return zap.Any(key, redactValue(key, value))
}

func redactValue(key string, value any) any {
	if _, redact := redactedFields[key]; redact {
		return redactSentinel
	}
	if m, ok := value.(map[string]any); ok {
		return redactMap(m)
	}
	return value
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, redact := redactedFields[k]; redact {
			out[k] = redactSentinel
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func fields(data map[string]any) []zap.Field {
	fs := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fs = append(fs, Field(k, v))
	}
	return fs
}

// Session attaches session/user context to an event the way the contextual
// helpers in a production logger do, but as structured fields instead of an
// interpolated format string.
func (l *Logger) Session(event, sessionID, userID string, data map[string]any) {
	fs := append([]zap.Field{
		zap.String("event", event),
		zap.String("session_id", sessionID),
	}, fields(data)...)
	if userID != "" {
		fs = append(fs, zap.String("user_id", userID))
	}
	l.Desugar().Info(event, fs...)
}

// Upstream attaches upstream-channel context.
func (l *Logger) Upstream(event string, data map[string]any) {
	fs := append([]zap.Field{zap.String("event", event), zap.String("component", "upstream")}, fields(data)...)
	l.Desugar().Info(event, fs...)
}

// Gateway attaches gateway-wide context (no session affinity).
func (l *Logger) Gateway(event string, data map[string]any) {
	fs := append([]zap.Field{zap.String("event", event), zap.String("component", "gateway")}, fields(data)...)
	l.Desugar().Info(event, fs...)
}

// Warn-level variants, used for rejected/invalid traffic that must not be
// silent but must not carry user content either.
func (l *Logger) SessionWarn(event, sessionID string, data map[string]any) {
	fs := append([]zap.Field{
		zap.String("event", event),
		zap.String("session_id", sessionID),
	}, fields(data)...)
	l.Desugar().Warn(event, fs...)
}
