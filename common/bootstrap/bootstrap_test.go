package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/lyzr/sitesync/common/cache"
	"github.com/lyzr/sitesync/common/config"
	"github.com/lyzr/sitesync/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithoutInfrastructure(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cache.Enabled = true

	c, err := Setup(context.Background(), "sync-server",
		WithCustomConfig(cfg),
		WithCustomLogger(logger.NewDiscard()),
		WithoutDB(),
		WithoutRedis(),
		WithoutTelemetry(),
	)
	require.NoError(t, err)

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.IsType(t, &cache.MemoryCache{}, c.Cache)
	assert.NoError(t, c.Health(context.Background()))
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestShutdownRunsCleanupInReverse(t *testing.T) {
	c := &Components{Logger: logger.NewDiscard()}

	var order []int
	c.addCleanup(func() error { order = append(order, 1); return nil })
	c.addCleanup(func() error { order = append(order, 2); return errors.New("boom") })
	c.addCleanup(func() error { order = append(order, 3); return nil })

	err := c.Shutdown(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []int{3, 2, 1}, order)
}
