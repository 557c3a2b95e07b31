package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOrderAndAggregate(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("warehouse", Ping("warehouse", func(context.Context) error { return nil }))
	r.Register("cache", Ping("cache", func(context.Context) error { return errors.New("dial tcp: refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "warehouse", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "cache", statuses[1].Name)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "dial tcp: refused", statuses[1].Detail)
}

func TestRegistryInfoDoesNotFailAggregate(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("warehouse", func(context.Context) Status { return Status{Healthy: true} })
	r.RegisterInfo("model", func(context.Context) Status {
		return Status{Healthy: false, Detail: "untrained"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "warehouse", statuses[0].Name, "name filled from registration")
	assert.True(t, statuses[0].Critical)
	assert.False(t, statuses[1].Critical)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline")
	assert.Less(t, time.Since(start), time.Second)
}
