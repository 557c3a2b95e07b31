package warehouse

import (
	"context"
	"log/slog"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/metrics"
	"github.com/eelnxz09/anamoly-processing/internal/syncutil"
	"github.com/eelnxz09/anamoly-processing/internal/traces"
)

// Warehouse fronts a Store. Appends of the same identity are serialized so
// concurrent upload and live-feed batches cannot double-count a profile;
// disjoint identities proceed in parallel.
type Warehouse struct {
	store  Store
	locks  *syncutil.ContextShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// New creates a warehouse over store.
func New(store Store, logger *slog.Logger) *Warehouse {
	return &Warehouse{
		store:  store,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logging.Component(logger, "warehouse"),
		now:    time.Now,
	}
}

// Store exposes the underlying store.
func (w *Warehouse) Store() Store { return w.store }

// Append stores validated rows. Rows whose identity already exists are
// no-ops. Returns the newly inserted transactions.
func (w *Warehouse) Append(ctx context.Context, rows []ingest.Row) ([]*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "warehouse.Append", traces.Rows(len(rows)))
	var err error
	defer func() { traces.End(span, err) }()

	if len(rows) == 0 {
		return nil, nil
	}

	now := w.now()
	txs := make([]*Transaction, len(rows))
	keys := make([]string, len(rows))
	for i, r := range rows {
		txs[i] = FromRow(r, now)
		keys[i] = r.ID
	}

	unlock, err := w.locks.LockKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var inserted []*Transaction
	inserted, err = w.store.Append(ctx, txs)
	if err != nil {
		w.logger.Error("append failed", "rows", len(rows), "error", err)
		return nil, err
	}

	dup := len(txs) - len(inserted)
	metrics.WarehouseAppendsTotal.WithLabelValues("inserted").Add(float64(len(inserted)))
	metrics.WarehouseAppendsTotal.WithLabelValues("duplicate").Add(float64(dup))
	if n, cerr := w.store.Count(ctx); cerr == nil {
		metrics.WarehouseRows.Set(float64(n))
	}

	logging.L(ctx).Debug("warehouse append", "inserted", len(inserted), "duplicates", dup)
	return inserted, nil
}

func (w *Warehouse) Get(ctx context.Context, id string) (*Transaction, error) {
	return w.store.Get(ctx, id)
}

func (w *Warehouse) Query(ctx context.Context, f Filter) ([]*Transaction, error) {
	return w.store.Query(ctx, f)
}

func (w *Warehouse) All(ctx context.Context) ([]*Transaction, error) {
	return w.store.All(ctx)
}

func (w *Warehouse) UnscoredIDs(ctx context.Context, version int64) ([]string, error) {
	return w.store.UnscoredIDs(ctx, version)
}

// UpdateScores persists a scoring pass. Last writer wins per id.
func (w *Warehouse) UpdateScores(ctx context.Context, scores map[string]Scores) (int, error) {
	ctx, span := traces.StartSpan(ctx, "warehouse.UpdateScores", traces.Rows(len(scores)))
	n, err := w.store.UpdateScores(ctx, scores)
	traces.End(span, err)
	return n, err
}

func (w *Warehouse) Profile(ctx context.Context, userID string) (*UserProfile, error) {
	return w.store.Profile(ctx, userID)
}

func (w *Warehouse) Stats(ctx context.Context) (*Stats, error) {
	return w.store.Stats(ctx)
}

func (w *Warehouse) Count(ctx context.Context) (int, error) {
	return w.store.Count(ctx)
}

func (w *Warehouse) Ping(ctx context.Context) error {
	return w.store.Ping(ctx)
}
