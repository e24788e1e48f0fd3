package core

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ZerologLogger is the production Logger implementation, backed by zerolog.
// It emits one JSON object per line with a stable field layout:
//
//	{"level":"info","service":"stepflow","component":"engine/orchestration",
//	 "trace_id":"...","operation":"execution_start","time":"...","message":"..."}
//
// Trace and span ids are attached by the *WithContext variants when the
// context carries a recording span.
type ZerologLogger struct {
	logger    zerolog.Logger
	service   string
	component string
}

// zerologConfig holds construction-time settings for ZerologLogger.
type zerologConfig struct {
	output io.Writer
	level  string
}

// ZerologOption configures a ZerologLogger.
type ZerologOption func(*zerologConfig)

// WithLogOutput redirects log output (default os.Stdout). Tests use a buffer.
func WithLogOutput(w io.Writer) ZerologOption {
	return func(c *zerologConfig) {
		if w != nil {
			c.output = w
		}
	}
}

// WithLogLevel sets the minimum level: debug, info, warn, error.
func WithLogLevel(level string) ZerologOption {
	return func(c *zerologConfig) {
		if level != "" {
			c.level = level
		}
	}
}

// NewZerologLogger creates the production logger for a named service.
//
// Configuration priority:
//  1. Explicit option (WithLogLevel, WithLogOutput)
//  2. Environment variable (STEPFLOW_LOG_LEVEL)
//  3. Default (info, stdout)
func NewZerologLogger(service string, opts ...ZerologOption) *ZerologLogger {
	cfg := &zerologConfig{
		output: os.Stdout,
		level:  getEnvOrDefault("STEPFLOW_LOG_LEVEL", "info"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(cfg.output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return &ZerologLogger{
		logger:  logger,
		service: service,
	}
}

// WithComponent returns a child logger tagged with the component name.
func (l *ZerologLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	child.logger = l.logger.With().Str("component", component).Logger()
	return &child
}

func (l *ZerologLogger) Info(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Info(), msg, fields)
}

func (l *ZerologLogger) Error(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Error(), msg, fields)
}

func (l *ZerologLogger) Warn(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Warn(), msg, fields)
}

func (l *ZerologLogger) Debug(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Debug(), msg, fields)
}

func (l *ZerologLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(l.withTrace(ctx, l.logger.Info()), msg, fields)
}

func (l *ZerologLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(l.withTrace(ctx, l.logger.Error()), msg, fields)
}

func (l *ZerologLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(l.withTrace(ctx, l.logger.Warn()), msg, fields)
}

func (l *ZerologLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(l.withTrace(ctx, l.logger.Debug()), msg, fields)
}

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, fields map[string]interface{}) {
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

// withTrace attaches trace_id/span_id when the context carries a valid span.
func (l *ZerologLogger) withTrace(ctx context.Context, ev *zerolog.Event) *zerolog.Event {
	if ctx == nil {
		return ev
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ev
	}
	return ev.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
}

// Compile-time interface compliance checks
var (
	_ Logger               = (*ZerologLogger)(nil)
	_ ComponentAwareLogger = (*ZerologLogger)(nil)
)
