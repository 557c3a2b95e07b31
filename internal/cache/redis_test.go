//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	ctx := context.Background()

	c, err := NewRedisCache(ctx, url, "anomaly-test:")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var got payload
	assert.ErrorIs(t, c.Get(ctx, "missing", &got), ErrMiss)

	require.NoError(t, c.Set(ctx, "k", payload{Score: 42}, time.Minute))
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, 42.0, got.Score)
	assert.NoError(t, c.Ping(ctx))
}
