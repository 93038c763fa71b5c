package mocks

import (
	"fmt"
	"strings"
	"sync"
)

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []interface{}
}

// MockLogger captures log output for assertions. It implements the session
// Logger interface.
type MockLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, fields ...interface{}) { m.append("DEBUG", msg, fields) }
func (m *MockLogger) Info(msg string, fields ...interface{})  { m.append("INFO", msg, fields) }
func (m *MockLogger) Warn(msg string, fields ...interface{})  { m.append("WARN", msg, fields) }
func (m *MockLogger) Error(msg string, fields ...interface{}) { m.append("ERROR", msg, fields) }

func (m *MockLogger) append(level, msg string, fields []interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

// Entries returns a copy of everything logged so far.
func (m *MockLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.entries...)
}

// ByLevel returns the captured entries for one level.
func (m *MockLogger) ByLevel(level string) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range m.entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether any entry at the given level has msg as a
// substring of its message.
func (m *MockLogger) Contains(level, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// Reset discards captured entries.
func (m *MockLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// String renders the captured log for test failure output.
func (m *MockLogger) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&b, "[%s] %s", e.Level, e.Message)
		if len(e.Fields) > 0 {
			fmt.Fprintf(&b, " %v", e.Fields)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
