package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/camino-platform/gateway/internal/config"
)

// NewLogger builds the gateway's root logger on log/slog. Subsystems
// derive their own loggers from it with a "component" attribute (auth,
// ratelimit, breaker, cache, proxy, registry), so a single field filter
// isolates one pipeline stage in aggregated logs.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// slogLevel maps the config enum onto slog's levels. Unknown or empty
// values fall back to info instead of failing startup.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
