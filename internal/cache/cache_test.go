package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Reasons []string `json:"reasons"`
	Score   float64  `json:"score"`
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	var got payload
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)

	require.NoError(t, c.Set(ctx, "k", payload{Reasons: []string{"a"}, Score: 91}, time.Minute))
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, payload{Reasons: []string{"a"}, Score: 91}, got)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", 1, time.Second))
	require.NoError(t, c.Set(ctx, "forever", 2, 0))

	now = now.Add(time.Second)
	var v int
	assert.ErrorIs(t, c.Get(ctx, "short", &v), ErrMiss)
	require.NoError(t, c.Get(ctx, "forever", &v))
	assert.Equal(t, 2, v)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_Unencodable(t *testing.T) {
	c := NewMemoryCache()
	assert.Error(t, c.Set(context.Background(), "k", make(chan int), time.Minute))
}
