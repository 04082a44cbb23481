package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camino-platform/gateway/internal/config"
)

func TestNewLoggerOutput(t *testing.T) {
	t.Run("json format emits parseable records", func(t *testing.T) {
		var buf bytes.Buffer
		l := newLogger(&buf, config.LogLevelInfo, config.LogFormatJSON)
		l.Info("request allowed", "service", "booking-service")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "request allowed", rec["msg"])
		assert.Equal(t, "booking-service", rec["service"])
	})

	t.Run("text format is logfmt-style", func(t *testing.T) {
		var buf bytes.Buffer
		l := newLogger(&buf, config.LogLevelInfo, config.LogFormatText)
		l.Info("request allowed", "service", "booking-service")

		assert.Contains(t, buf.String(), `msg="request allowed"`)
		assert.Contains(t, buf.String(), "service=booking-service")
	})

	t.Run("unknown format falls back to json", func(t *testing.T) {
		var buf bytes.Buffer
		l := newLogger(&buf, config.LogLevelInfo, "xml")
		l.Info("hello")
		assert.True(t, json.Valid(buf.Bytes()))
	})

	t.Run("component attribute survives derivation", func(t *testing.T) {
		// Pipeline stages log through logger.With("component", ...).
		var buf bytes.Buffer
		l := newLogger(&buf, config.LogLevelInfo, config.LogFormatJSON).With("component", "breaker")
		l.Warn("circuit breaker opened", "service", "reviews-service")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "breaker", rec["component"])
		assert.Equal(t, "reviews-service", rec["service"])
	})

	t.Run("level gates records", func(t *testing.T) {
		var buf bytes.Buffer
		l := newLogger(&buf, config.LogLevelWarn, config.LogFormatJSON)
		l.Info("dropped")
		assert.Zero(t, buf.Len())
		l.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("exported constructor returns a usable logger", func(t *testing.T) {
		assert.NotNil(t, NewLogger(config.LogLevelInfo, config.LogFormatJSON))
	})
}

func TestSlogLevel(t *testing.T) {
	for _, tc := range []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	} {
		assert.Equal(t, tc.want, slogLevel(tc.in), string(tc.in))
	}
}
