package observability

import (
	"log/slog"
	"os"

	"github.com/pixtools/pixtools/internal/config"
)

// SetupLogger configures the process-wide JSON slog logger. Every line
// carries the service, process, and environment fields so the api,
// worker, mlworker, and scheduler binaries are distinguishable in
// aggregated output.
func SetupLogger(cfg config.Config, process string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("process", process),
		slog.String("env", cfg.AppEnv),
	)
}
