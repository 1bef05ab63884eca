// Package logging provides the Logger interface used across the module and a
// slog backed StructuredLogger.
//
// Records are flat key/value pairs with dotted event names
// (pipeline.step.start, tool.invoke.attempt, session.compacted). Three output
// formats are supported: json for aggregation, text (logfmt) and console, a
// colored single line format for interactive use.
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "console"})
//	r := runner.New(pipeline, func(o *runner.Options) { o.Logger = logger })
//
// Components that only need to emit records should accept a Logger; NoOpLogger
// discards everything.
package logging
