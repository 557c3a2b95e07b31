//go:build integration

package webhooks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eelnxz09/anamoly-processing/internal/risk"
	"github.com/eelnxz09/anamoly-processing/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := t.Context()
	store := NewPostgresStore(db)

	sub := newSub("wh-pg-1", "https://hooks.example.com/a", EventTransactionFlagged)
	sub.MinLevel = risk.LevelCritical
	sub.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, sub))
	require.NoError(t, store.Create(ctx, newSub("wh-pg-2", "https://hooks.example.com/b", EventModelTrained)))

	got, err := store.Get(ctx, "wh-pg-1")
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, sub.Secret, got.Secret)
	assert.Equal(t, risk.LevelCritical, got.MinLevel)
	assert.Equal(t, []EventType{EventTransactionFlagged}, got.Events)
	assert.True(t, sub.CreatedAt.Equal(got.CreatedAt))

	flagged, err := store.ListByEvent(ctx, EventTransactionFlagged)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "wh-pg-1", flagged[0].ID)

	now := time.Now().UTC()
	got.LastSuccess = &now
	got.ConsecutiveFailures = 0
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	flagged, err = store.ListByEvent(ctx, EventTransactionFlagged)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "wh-pg-1"))
	_, err = store.Get(ctx, "wh-pg-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(store.Delete(ctx, "wh-pg-1"), ErrNotFound))
}
