package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"
)

// Logger is the logging interface used across the module. Arguments follow
// slog conventions: alternating keys and values. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Output formats understood by NewLogger.
const (
	FormatJSON    = "json"
	FormatText    = "text"
	FormatConsole = "console"
)

// LoggerConfig configures construction of a StructuredLogger.
type LoggerConfig struct {
	Level LogLevel
	// Format is json (default), text or console.
	Format      string
	Output      io.Writer
	AddSource   bool
	Component   string
	SessionID   string
	RunID       string
	CustomAttrs map[string]any
}

// StructuredLogger is a slog backed Logger with helpers that bind component,
// session and run attributes, and with typed helpers for the events every
// deployment wants to aggregate (tool attempts, model calls, pipeline runs).
// With* methods return copies; the receiver is never modified.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewLogger builds a StructuredLogger. A nil cfg logs json at info level to
// stderr.
func NewLogger(cfg *LoggerConfig) *StructuredLogger {
	if cfg == nil {
		cfg = &LoggerConfig{Level: LogLevelInfo, Format: FormatJSON}
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slog(), AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	case FormatConsole:
		handler = NewConsoleHandler(out, opts.Level)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	var args []any
	if cfg.Component != "" {
		args = append(args, "component", cfg.Component)
	}
	if cfg.SessionID != "" {
		args = append(args, "session_id", cfg.SessionID)
	}
	if cfg.RunID != "" {
		args = append(args, "run_id", cfg.RunID)
	}

	keys := make([]string, 0, len(cfg.CustomAttrs))
	for k := range cfg.CustomAttrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, cfg.CustomAttrs[k])
	}

	return &StructuredLogger{logger: slog.New(handler).With(args...)}
}

// With returns a copy attaching args to every record.
func (l *StructuredLogger) With(args ...any) *StructuredLogger {
	return &StructuredLogger{logger: l.logger.With(args...)}
}

// WithComponent tags records with the logical component (runner, invoker, ...).
func (l *StructuredLogger) WithComponent(c string) *StructuredLogger {
	return l.With("component", c)
}

// WithSession attaches session and run identifiers.
func (l *StructuredLogger) WithSession(sessionID, runID string) *StructuredLogger {
	return l.With("session_id", sessionID, "run_id", runID)
}

// Slog exposes the underlying *slog.Logger.
func (l *StructuredLogger) Slog() *slog.Logger { return l.logger }

func (l *StructuredLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *StructuredLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *StructuredLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *StructuredLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// LogToolAttempt records the outcome of a single tool invocation attempt.
// Request and response payloads are never passed here.
func (l *StructuredLogger) LogToolAttempt(endpoint string, attempt int, outcome string, dur time.Duration) {
	level := slog.LevelDebug
	if outcome != "ok" {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "tool.invoke.attempt", "endpoint", endpoint, "attempt", attempt, "outcome", outcome, "duration", dur)
}

// LogModelCall records model call latency and token usage.
func (l *StructuredLogger) LogModelCall(model string, tokens int, dur time.Duration, err error) {
	if err != nil {
		l.logger.Error("model.call.failed", "model", model, "duration", dur, "error", err.Error())
		return
	}
	l.logger.Info("model.call.completed", "model", model, "token_count", tokens, "duration", dur)
}

// LogPipelineRun records the outcome of one pipeline run.
func (l *StructuredLogger) LogPipelineRun(pipeline string, steps int, dur time.Duration, err error) {
	if err != nil {
		l.logger.Error("pipeline.run.failed", "pipeline", pipeline, "step_count", steps, "duration", dur, "error", err.Error())
		return
	}
	l.logger.Info("pipeline.run.completed", "pipeline", pipeline, "step_count", steps, "duration", dur)
}

// NoOpLogger discards all records.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}
