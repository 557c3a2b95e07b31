package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed warehouse.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, amount, ts, user_id, merchant_category, location, device_type, source, ingested_at,
	raw_score, risk_score, risk_level, is_anomaly, confidence, model_version, scored_at`

// Append inserts new transactions and merges their per-user aggregates into
// user_profiles in the same database transaction.
func (p *PostgresStore) Append(ctx context.Context, txs []*Transaction) ([]*Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	stmt, err := dbtx.PrepareContext(ctx, `
		INSERT INTO transactions (id, amount, ts, user_id, merchant_category, location, device_type, source, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := make([]*Transaction, 0, len(txs))
	batch := make(map[string]*UserProfile)
	for _, t := range txs {
		res, err := stmt.ExecContext(ctx,
			t.ID, t.Amount, t.Timestamp, t.UserID, t.MerchantCategory,
			t.Location, t.DeviceType, string(t.Source), t.IngestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		inserted = append(inserted, t)
		if t.UserID != "" {
			bp, ok := batch[t.UserID]
			if !ok {
				bp = &UserProfile{UserID: t.UserID}
				batch[t.UserID] = bp
			}
			bp.Observe(t.Amount, t.Timestamp)
		}
	}

	for _, bp := range batch {
		if err := mergeProfile(ctx, dbtx, bp); err != nil {
			return nil, err
		}
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// mergeProfile applies the parallel Welford update for one user's batch.
func mergeProfile(ctx context.Context, dbtx *sql.Tx, bp *UserProfile) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, tx_count, mean_amount, m2, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			mean_amount = user_profiles.mean_amount
				+ (EXCLUDED.mean_amount - user_profiles.mean_amount)
				* EXCLUDED.tx_count::double precision
				/ (user_profiles.tx_count + EXCLUDED.tx_count)::double precision,
			m2 = user_profiles.m2 + EXCLUDED.m2
				+ (EXCLUDED.mean_amount - user_profiles.mean_amount)
				* (EXCLUDED.mean_amount - user_profiles.mean_amount)
				* user_profiles.tx_count::double precision
				* EXCLUDED.tx_count::double precision
				/ (user_profiles.tx_count + EXCLUDED.tx_count)::double precision,
			tx_count   = user_profiles.tx_count + EXCLUDED.tx_count,
			first_seen = LEAST(user_profiles.first_seen, EXCLUDED.first_seen),
			last_seen  = GREATEST(user_profiles.last_seen, EXCLUDED.last_seen)
	`, bp.UserID, bp.Count, bp.Mean, bp.M2, bp.FirstSeen, bp.LastSeen)
	if err != nil {
		return fmt.Errorf("merge profile %s: %w", bp.UserID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.RiskLevel != "" {
		where = append(where, "risk_level = "+arg(string(f.RiskLevel)))
	}
	if f.Source != "" {
		where = append(where, "source = "+arg(string(f.Source)))
	}
	if f.OnlyAnomalies {
		where = append(where, "is_anomaly = TRUE")
	}
	if !f.Start.IsZero() {
		where = append(where, "ts >= "+arg(f.Start))
	}
	if !f.End.IsZero() {
		where = append(where, "ts < "+arg(f.End))
	}
	if f.Cursor != nil {
		ts, id := arg(f.Cursor.Timestamp), arg(f.Cursor.ID)
		where = append(where, fmt.Sprintf("(ts < %s OR (ts = %s AND id < %s))", ts, ts, id))
	}

	q := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	return p.queryTransactions(ctx, q, args...)
}

func (p *PostgresStore) All(ctx context.Context) ([]*Transaction, error) {
	return p.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions ORDER BY ts ASC, id ASC`)
}

func (p *PostgresStore) UnscoredIDs(ctx context.Context, version int64) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM transactions
		WHERE model_version IS NULL OR model_version <> $1
		ORDER BY ts ASC, id ASC
	`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateScores writes all scores in one transaction.
func (p *PostgresStore) UpdateScores(ctx context.Context, scores map[string]Scores) (int, error) {
	if len(scores) == 0 {
		return 0, nil
	}
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	stmt, err := dbtx.PrepareContext(ctx, `
		UPDATE transactions SET
			raw_score = $2, risk_score = $3, risk_level = $4, is_anomaly = $5,
			confidence = $6, model_version = $7, scored_at = $8
		WHERE id = $1
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	n := 0
	for id, s := range scores {
		res, err := stmt.ExecContext(ctx, id, s.RawScore, s.RiskScore, string(s.RiskLevel),
			s.IsAnomaly, s.Confidence, s.ModelVersion, s.ScoredAt)
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", id, err)
		}
		if c, _ := res.RowsAffected(); c > 0 {
			n++
		}
	}
	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) Profile(ctx context.Context, userID string) (*UserProfile, error) {
	var up UserProfile
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, tx_count, mean_amount, m2, first_seen, last_seen
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&up.UserID, &up.Count, &up.Mean, &up.M2, &up.FirstSeen, &up.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	up.FirstSeen, up.LastSeen = up.FirstSeen.UTC(), up.LastSeen.UTC()
	return &up, nil
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	s := newStats()

	var (
		total                       int
		sum, mean, med, std, lo, hi sql.NullFloat64
		start, end                  sql.NullTime
		users, unscored, anomalies  int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(amount),
			AVG(amount),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY amount),
			stddev_samp(amount),
			MIN(amount),
			MAX(amount),
			MIN(ts),
			MAX(ts),
			COUNT(DISTINCT NULLIF(user_id, '')),
			COUNT(*) FILTER (WHERE model_version IS NULL),
			COUNT(*) FILTER (WHERE is_anomaly)
		FROM transactions
	`).Scan(&total, &sum, &mean, &med, &std, &lo, &hi, &start, &end, &users, &unscored, &anomalies)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	s.TotalTransactions = total
	s.UniqueUsers = users
	s.Unscored = unscored
	s.AnomalyCount = anomalies
	s.AmountStats = AmountStats{
		Total: sum.Float64, Mean: mean.Float64, Median: med.Float64,
		Std: std.Float64, Min: lo.Float64, Max: hi.Float64,
	}
	if start.Valid && end.Valid {
		s.DateRange = &DateRange{Start: start.Time.UTC(), End: end.Time.UTC()}
	}

	if err := p.groupCounts(ctx, `SELECT source, COUNT(*) FROM transactions GROUP BY source`, func(k string, n int) {
		s.Sources[k] = n
	}); err != nil {
		return nil, err
	}
	if err := p.groupCounts(ctx, `
		SELECT risk_level, COUNT(*) FROM transactions
		WHERE risk_level IS NOT NULL GROUP BY risk_level
	`, func(k string, n int) {
		s.RiskSummary[risk.Level(k)] = n
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) groupCounts(ctx context.Context, q string, fn func(string, int)) error {
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) queryTransactions(ctx context.Context, q string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	var (
		t          Transaction
		source     string
		rawScore   sql.NullFloat64
		riskScore  sql.NullFloat64
		riskLevel  sql.NullString
		isAnomaly  sql.NullBool
		confidence sql.NullFloat64
		version    sql.NullInt64
		scoredAt   sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.Amount, &t.Timestamp, &t.UserID, &t.MerchantCategory, &t.Location,
		&t.DeviceType, &source, &t.IngestedAt,
		&rawScore, &riskScore, &riskLevel, &isAnomaly, &confidence, &version, &scoredAt)
	if err != nil {
		return nil, err
	}
	t.Source = ingest.Source(source)
	t.Timestamp = t.Timestamp.UTC()
	t.IngestedAt = t.IngestedAt.UTC()
	if version.Valid {
		t.Scores = &Scores{
			RawScore:     rawScore.Float64,
			RiskScore:    riskScore.Float64,
			RiskLevel:    risk.Level(riskLevel.String),
			IsAnomaly:    isAnomaly.Bool,
			Confidence:   confidence.Float64,
			ModelVersion: version.Int64,
			ScoredAt:     scoredAt.Time.UTC(),
		}
	}
	return &t, nil
}
