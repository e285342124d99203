package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/mahavishnu/internal/config"
)

// SetupLogger builds the process-wide structured logger. Dev gets a
// human-readable text handler at debug level; any other environment emits
// JSON at info so log shippers can parse it. Every record carries the
// service name and environment.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}

	var h slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsDev() {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
