package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsole(&buf, slog.LevelDebug)

	logger.Info("lease granted", "lease_id", "a1b2c3d4e5f6", "tokens", 4)

	line := buf.String()
	assert.Contains(t, line, "INFO | lease granted")
	assert.Contains(t, line, "lease_id=a1b2c3d4e5f6")
	assert.Contains(t, line, "tokens=4")
}

func TestConsoleHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsole(&buf, slog.LevelWarn)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "WARN | loud")
}

func TestConsoleHandlerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsole(&buf, nil).With("component", "pool")

	logger.Info("sweep")
	assert.Contains(t, buf.String(), "component=pool")
}

func TestConsoleHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsole(&buf, nil).WithGroup("lease")

	logger.Info("expired", "id", "cafe00112233")
	assert.Contains(t, buf.String(), "lease.id=cafe00112233")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warning": slog.LevelWarn,
		"err":     slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("loudest")
	require.Error(t, err)
}

func TestEnsure(t *testing.T) {
	assert.Equal(t, slog.Default(), Ensure(nil))
	custom := NewJSON(&bytes.Buffer{}, nil)
	assert.Equal(t, custom, Ensure(custom))
}
