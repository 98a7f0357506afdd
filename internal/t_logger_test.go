package internal

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aleybovich/carrot-client/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	logs     map[string][]string // key is log level, value is array of log entries
	mu       sync.Mutex
	logCount int // total log entries count
}

// NewMockLogger creates a new MockLogger for testing
func NewMockLogger() *MockLogger {
	return &MockLogger{
		logs: map[string][]string{
			"fatal": {},
			"error": {},
			"warn":  {},
			"info":  {},
			"debug": {},
		},
	}
}

func (m *MockLogger) record(level, format string, a ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[level] = append(m.logs[level], fmt.Sprintf(format, a...))
	m.logCount++
}

func (m *MockLogger) Fatal(format string, a ...any) { m.record("fatal", format, a...) }
func (m *MockLogger) Err(format string, a ...any)   { m.record("error", format, a...) }
func (m *MockLogger) Warn(format string, a ...any)  { m.record("warn", format, a...) }
func (m *MockLogger) Info(format string, a ...any)  { m.record("info", format, a...) }
func (m *MockLogger) Debug(format string, a ...any) { m.record("debug", format, a...) }

// Contains checks if any log message at the specified level contains the given substr
func (m *MockLogger) Contains(level, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.logs[level] {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of log messages at the specified level
func (m *MockLogger) Count(level string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[level])
}

// TotalCount returns the total number of log messages
func (m *MockLogger) TotalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logCount
}

func TestCustomLogger(t *testing.T) {
	c, _, mockLogger := setupTestConnection(t, 0, 0)

	require.Same(t, mockLogger, c.Logger())

	t.Run("handshake is logged", func(t *testing.T) {
		assert.True(t, mockLogger.Contains("info", "Start from server, version: 0.8"))
		assert.True(t, mockLogger.Contains("info", "frameMax=131072"))
		assert.True(t, mockLogger.Contains("info", "Open OK!"))
		assert.True(t, mockLogger.Contains("debug", "Sent connection.start-ok on channel 0"))
	})

	t.Run("method names appear in logs", func(t *testing.T) {
		assert.True(t, mockLogger.Contains("debug", "Received connection.tune on channel 0"))
		assert.Zero(t, mockLogger.Count("error"))
	})
}

func TestDisabledLogging(t *testing.T) {
	c, err := newConnection(func(c *Connection) { c.cfg.Logging.DisableLogging = true })
	require.NoError(t, err)
	assert.IsType(t, &logger.NilLogger{}, c.log)
}
