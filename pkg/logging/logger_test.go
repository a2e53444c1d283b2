package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(INFO, false)
	l.SetOutput(&buf)
	l.now = fixedClock

	l.Debug("hidden")
	l.Info("launch started", map[string]interface{}{"uuid": "abc", "name": "smoke"})

	assert.Equal(t, "[2024-03-01 12:30:00] INFO: launch started name=smoke uuid=abc\n", buf.String())
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, true)
	l.SetOutput(&buf)
	l.now = fixedClock

	l.WithField("component", "manager").Warn("stack empty")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "stack empty", entry.Message)
	assert.Equal(t, "manager", entry.Fields["component"])
	assert.Equal(t, "2024-03-01T12:30:00Z", entry.Timestamp)
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)
	parent.now = fixedClock

	child := parent.WithField("feature", "login")
	parent.Info("parent")
	child.Info("child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "feature=")
	assert.Contains(t, lines[1], "feature=login")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("nothing to see")
	assert.Greater(t, int(l.Level()), int(ERROR))
}
