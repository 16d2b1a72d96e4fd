//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-tracker/internal/infrastructure/cache"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
	"github.com/davidleathers/compliance-tracker/internal/testutil"
	"github.com/davidleathers/compliance-tracker/internal/testutil/containers"
)

func TestPublisherRelay_Redis(t *testing.T) {
	ctx := testutil.TestContext(t)
	logger := zaptest.NewLogger(t)

	rc, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Terminate(context.Background()) })

	client, err := cache.NewRedisClient(&config.RedisConfig{URL: rc.URL, PoolSize: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	target := &collector{}
	relayCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- Relay(relayCtx, client, "compliance:notifications", target, logger) }()

	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, "compliance:notifications").Result()
		return err == nil && n["compliance:notifications"] == 1
	}, 5*time.Second, 20*time.Millisecond)

	p := NewRedisPublisher(client, DefaultPublisherConfig("compliance:notifications"), logger)
	p.Notify(ctx, failed)

	require.Eventually(t, func() bool { return len(target.all()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, failed, target.all()[0])

	require.NoError(t, p.Close(ctx))
	cancel()
	require.NoError(t, <-done)
}
