package mock

import (
	"strings"
	"sync"

	"stock_trader/internal/core"
)

// Logger implements core.ILogger and records entries for assertions. Safe
// for concurrent use.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one recorded log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []interface{}
}

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) record(level, msg string, fields []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.record("DEBUG", msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.record("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.record("WARN", msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.record("ERROR", msg, fields) }

// Fatal records instead of exiting so tests can assert on fatal paths.
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.record("FATAL", msg, fields) }

func (l *Logger) WithField(key string, value interface{}) core.ILogger { return l }

func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// Entries returns a copy of everything logged so far.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Contains reports whether any entry's message includes the substring.
func (l *Logger) Contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
