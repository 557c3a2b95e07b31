// Package syncutil provides keyed locking for per-identity serialization.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Waiters can give up when their context is cancelled. Keys that
// hash to the same shard share a lock.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. On success the returned function
// releases it and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.LockKeys(ctx, []string{key})
}

// LockKeys acquires the locks for every key. Shards are taken in ascending
// order so two callers with overlapping key sets cannot deadlock. If ctx is
// cancelled midway, shards already taken are released before returning.
func (m *ContextShardedMutex) LockKeys(ctx context.Context, keys []string) (func(), error) {
	m.init()

	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, shardIdx(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]uint32, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.shards[held[i]] <- struct{}{}
		}
	}

	for _, i := range idx {
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
