package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// CursorStore persists the poll offset per target so a restart resumes
// where the last successful append left off.
type CursorStore interface {
	Load(ctx context.Context, t Target) (int, error)
	Save(ctx context.Context, t Target, lastRow int) error
}

// MemoryCursorStore keeps offsets in process.
type MemoryCursorStore struct {
	mu   sync.RWMutex
	rows map[Target]int
}

var _ CursorStore = (*MemoryCursorStore)(nil)

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{rows: make(map[Target]int)}
}

func (m *MemoryCursorStore) Load(_ context.Context, t Target) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows[t], nil
}

func (m *MemoryCursorStore) Save(_ context.Context, t Target, lastRow int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t] = lastRow
	return nil
}

// PostgresCursorStore keeps offsets in the feed_cursors table.
type PostgresCursorStore struct {
	db *sql.DB
}

var _ CursorStore = (*PostgresCursorStore)(nil)

func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (p *PostgresCursorStore) Load(ctx context.Context, t Target) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT last_row FROM feed_cursors WHERE endpoint = $1 AND worksheet = $2`,
		t.Endpoint, t.Worksheet,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load feed cursor: %w", err)
	}
	return n, nil
}

func (p *PostgresCursorStore) Save(ctx context.Context, t Target, lastRow int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO feed_cursors (endpoint, worksheet, last_row, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (endpoint, worksheet)
		DO UPDATE SET last_row = EXCLUDED.last_row, updated_at = NOW()
	`, t.Endpoint, t.Worksheet, lastRow)
	if err != nil {
		return fmt.Errorf("save feed cursor: %w", err)
	}
	return nil
}
