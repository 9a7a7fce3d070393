package observability

import (
	"log/slog"
	"os"

	"github.com/givehub/crm-relay/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs at debug, test
// runs warnings-only so suite output stays readable, everything else at
// info. Service identity fields ride on every record so the two binaries
// are distinguishable in a merged stream.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case cfg.IsDev():
		level = slog.LevelDebug
	case cfg.IsTest():
		level = slog.LevelWarn
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.Int("pid", os.Getpid()),
	)
}
