package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelError)
	l.Debug("before")
	l.SetLevel(LevelDebug)
	l.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Equal(t, LevelDebug, l.Level())
}

func TestNoneDisablesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelNone)
	l.Error("nothing")
	assert.Empty(t, buf.String())
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, LevelInfo)
	l.Info("resolved %s", "Patient")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "resolved Patient", entry["message"])
	assert.Equal(t, "conformance", entry["component"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
