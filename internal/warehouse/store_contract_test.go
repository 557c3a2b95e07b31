package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/pagination"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func tx(amount float64, offset time.Duration, user string, src ingest.Source) *Transaction {
	ts := base.Add(offset)
	return &Transaction{
		ID:         ingest.Identity(amount, ts, user, src),
		Amount:     amount,
		Timestamp:  ts,
		UserID:     user,
		Source:     src,
		IngestedAt: base,
	}
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("AppendDeduplicates", func(t *testing.T) {
		s := newStore(t)
		a := tx(10, 0, "u1", ingest.SourceUpload)
		b := tx(20, time.Hour, "u1", ingest.SourceUpload)

		ins, err := s.Append(ctx, []*Transaction{a, b})
		require.NoError(t, err)
		assert.Len(t, ins, 2)

		ins, err = s.Append(ctx, []*Transaction{a, tx(30, 2*time.Hour, "u1", ingest.SourceUpload)})
		require.NoError(t, err)
		require.Len(t, ins, 1)
		assert.Equal(t, 30.0, ins[0].Amount)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		p, err := s.Profile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), p.Count, "duplicates must not touch the profile")
		assert.InDelta(t, 20, p.Mean, 1e-9)
		assert.InDelta(t, 10, p.StdDev(), 1e-9)
		assert.True(t, p.FirstSeen.Equal(base))
		assert.True(t, p.LastSeen.Equal(base.Add(2*time.Hour)))
	})

	t.Run("SameRowDifferentSourceIsDistinct", func(t *testing.T) {
		s := newStore(t)
		ins, err := s.Append(ctx, []*Transaction{
			tx(10, 0, "u1", ingest.SourceUpload),
			tx(10, 0, "u1", ingest.SourceLiveFeed),
		})
		require.NoError(t, err)
		assert.Len(t, ins, 2)
	})

	t.Run("AnonymousRowsHaveNoProfile", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, []*Transaction{tx(10, 0, "", ingest.SourceUpload)})
		require.NoError(t, err)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.UniqueUsers)

		_, err = s.Profile(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("QueryOrderFiltersAndCursor", func(t *testing.T) {
		s := newStore(t)
		var txs []*Transaction
		for i := 0; i < 5; i++ {
			txs = append(txs, tx(float64(10+i), time.Duration(i)*time.Hour, "u1", ingest.SourceUpload))
		}
		txs = append(txs, tx(99, 10*time.Hour, "u2", ingest.SourceLiveFeed))
		_, err := s.Append(ctx, txs)
		require.NoError(t, err)

		all, err := s.Query(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, 99.0, all[0].Amount, "newest first")
		assert.Equal(t, 10.0, all[5].Amount)

		u1, err := s.Query(ctx, Filter{UserID: "u1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, u1, 2)
		assert.Equal(t, 14.0, u1[0].Amount)

		next, err := s.Query(ctx, Filter{
			UserID: "u1",
			Limit:  2,
			Cursor: &pagination.Cursor{Timestamp: u1[1].Timestamp, ID: u1[1].ID},
		})
		require.NoError(t, err)
		require.Len(t, next, 2)
		assert.Equal(t, 12.0, next[0].Amount)
		assert.Equal(t, 11.0, next[1].Amount)

		live, err := s.Query(ctx, Filter{Source: ingest.SourceLiveFeed})
		require.NoError(t, err)
		require.Len(t, live, 1)

		window, err := s.Query(ctx, Filter{Start: base.Add(time.Hour), End: base.Add(3 * time.Hour)})
		require.NoError(t, err)
		assert.Len(t, window, 2)

		asc, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, asc, 6)
		assert.Equal(t, 10.0, asc[0].Amount)
		assert.Equal(t, 99.0, asc[5].Amount)
	})

	t.Run("UpdateScoresAndUnscored", func(t *testing.T) {
		s := newStore(t)
		a := tx(10, 0, "u1", ingest.SourceUpload)
		b := tx(5000, time.Hour, "u1", ingest.SourceUpload)
		_, err := s.Append(ctx, []*Transaction{a, b})
		require.NoError(t, err)

		ids, err := s.UnscoredIDs(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		scoredAt := base.Add(24 * time.Hour)
		n, err := s.UpdateScores(ctx, map[string]Scores{
			a.ID:      {RawScore: 0.1, RiskScore: 12, RiskLevel: risk.LevelLow, Confidence: 60, ModelVersion: 1, ScoredAt: scoredAt},
			b.ID:      {RawScore: -0.3, RiskScore: 97, RiskLevel: risk.LevelCritical, IsAnomaly: true, Confidence: 80, ModelVersion: 1, ScoredAt: scoredAt},
			"missing": {ModelVersion: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ids, err = s.UnscoredIDs(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, ids)
		ids, err = s.UnscoredIDs(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, ids, 2, "a newer version rescoring everything")

		got, err := s.Get(ctx, b.ID)
		require.NoError(t, err)
		require.True(t, got.Scored())
		assert.Equal(t, risk.LevelCritical, got.RiskLevel)
		assert.True(t, got.IsAnomaly)

		crit, err := s.Query(ctx, Filter{RiskLevel: risk.LevelCritical})
		require.NoError(t, err)
		require.Len(t, crit, 1)
		anomalies, err := s.Query(ctx, Filter{OnlyAnomalies: true})
		require.NoError(t, err)
		assert.Len(t, anomalies, 1)
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.TotalTransactions)
		assert.Nil(t, st.DateRange)
		assert.Len(t, st.RiskSummary, len(risk.Levels))

		_, err = s.Append(ctx, []*Transaction{
			tx(10, 0, "u1", ingest.SourceUpload),
			tx(20, time.Hour, "u2", ingest.SourceUpload),
			tx(30, 2*time.Hour, "u2", ingest.SourceLiveFeed),
			tx(40, 3*time.Hour, "", ingest.SourceUpload),
		})
		require.NoError(t, err)

		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, st.TotalTransactions)
		assert.Equal(t, 2, st.UniqueUsers)
		assert.InDelta(t, 100, st.AmountStats.Total, 1e-9)
		assert.InDelta(t, 25, st.AmountStats.Mean, 1e-9)
		assert.InDelta(t, 25, st.AmountStats.Median, 1e-9)
		assert.InDelta(t, 12.9099, st.AmountStats.Std, 1e-3)
		assert.Equal(t, 10.0, st.AmountStats.Min)
		assert.Equal(t, 40.0, st.AmountStats.Max)
		require.NotNil(t, st.DateRange)
		assert.True(t, st.DateRange.Start.Equal(base))
		assert.True(t, st.DateRange.End.Equal(base.Add(3*time.Hour)))
		assert.Equal(t, 3, st.Sources[string(ingest.SourceUpload)])
		assert.Equal(t, 1, st.Sources[string(ingest.SourceLiveFeed)])
		assert.Equal(t, 4, st.Unscored)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
