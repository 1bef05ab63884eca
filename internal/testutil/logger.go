package testutil

import (
	"fmt"
	"sync"
)

// LogEntry is one captured log call.
type LogEntry struct {
	Level string
	Msg   string
	Attrs map[string]any
}

// RecordingLogger implements logging.Logger and keeps every entry in memory.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewRecordingLogger returns an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger { return &RecordingLogger{} }

func (l *RecordingLogger) record(level, msg string, args ...any) {
	attrs := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		attrs[fmt.Sprint(args[i])] = args[i+1]
	}
	l.mu.Lock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Attrs: attrs})
	l.mu.Unlock()
}

func (l *RecordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *RecordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *RecordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *RecordingLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }

// Entries returns the captured entries with the given message, or all of them
// when msg is empty.
func (l *RecordingLogger) Entries(msg string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for _, e := range l.entries {
		if msg == "" || e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of entries with the given message.
func (l *RecordingLogger) Count(msg string) int { return len(l.Entries(msg)) }
