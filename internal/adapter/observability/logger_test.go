package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/config"
)

func TestSetupLoggerLevelPerEnv(t *testing.T) {
	ctx := context.Background()

	dev := observability.SetupLogger(config.Config{AppEnv: "dev"})
	assert.True(t, dev.Enabled(ctx, slog.LevelDebug))

	prod := observability.SetupLogger(config.Config{AppEnv: "prod"})
	assert.False(t, prod.Enabled(ctx, slog.LevelDebug))
	assert.True(t, prod.Enabled(ctx, slog.LevelInfo))

	test := observability.SetupLogger(config.Config{AppEnv: "test"})
	assert.False(t, test.Enabled(ctx, slog.LevelInfo))
	assert.True(t, test.Enabled(ctx, slog.LevelWarn))
}
