package core

import "github.com/hupe1980/agentpipe/logging"

// runLogger prefixes every record with the attributes of the scope it was
// derived for (the current step of a run). The zero value discards records.
type runLogger struct {
	logger logging.Logger
	scope  []any
}

func newRunLogger(l logging.Logger) runLogger {
	if l == nil {
		l = logging.NoOpLogger{}
	}
	return runLogger{logger: l}
}

// scoped returns a copy whose records additionally carry attrs. Attributes of
// an outer scope with the same key are replaced.
func (l runLogger) scoped(attrs ...any) runLogger {
	scope := make([]any, 0, len(l.scope)+len(attrs))
	for i := 0; i+1 < len(l.scope); i += 2 {
		if !hasKey(attrs, l.scope[i]) {
			scope = append(scope, l.scope[i], l.scope[i+1])
		}
	}
	return runLogger{logger: l.logger, scope: append(scope, attrs...)}
}

func hasKey(attrs []any, key any) bool {
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == key {
			return true
		}
	}
	return false
}

func (l runLogger) args(args []any) []any {
	if len(l.scope) == 0 {
		return args
	}
	return append(append(make([]any, 0, len(l.scope)+len(args)), l.scope...), args...)
}

// Logger returns the underlying, unscoped logger.
func (l runLogger) Logger() logging.Logger {
	if l.logger == nil {
		return logging.NoOpLogger{}
	}
	return l.logger
}

func (l runLogger) LogDebug(msg string, args ...any) { l.Logger().Debug(msg, l.args(args)...) }
func (l runLogger) LogInfo(msg string, args ...any)  { l.Logger().Info(msg, l.args(args)...) }
func (l runLogger) LogWarn(msg string, args ...any)  { l.Logger().Warn(msg, l.args(args)...) }
func (l runLogger) LogError(msg string, args ...any) { l.Logger().Error(msg, l.args(args)...) }
