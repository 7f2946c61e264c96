package logger

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	for _, bad := range []string{"", "bogus", "fatal", "panic", "disabled"} {
		_, err := ParseLevel(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.WarnLevel, false)

	l.Info().Msg("hidden")
	l.Warn().Str("session", "s1").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "s1", entry["session"])
	assert.Equal(t, "warn", entry["level"])
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	before := Logger
	assert.Error(t, Init("loud", false))
	assert.Equal(t, before, Logger, "a failed Init keeps the current logger")
}
