// Package warehouse is the historical transaction store. It deduplicates by
// transaction identity, maintains per-user amount profiles incrementally and
// persists scoring results.
package warehouse

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/pagination"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
)

var (
	ErrNotFound = errors.New("warehouse: not found")
)

// Scores are the fields set by a scoring pass. They are overwritten by a
// later pass under a newer model version.
type Scores struct {
	RawScore     float64    `json:"raw_score"`
	RiskScore    float64    `json:"risk_score"`
	RiskLevel    risk.Level `json:"risk_level"`
	IsAnomaly    bool       `json:"is_anomaly"`
	Confidence   float64    `json:"confidence"`
	ModelVersion int64      `json:"model_version"`
	ScoredAt     time.Time  `json:"scored_at"`
}

// Transaction is a stored transaction. Everything except Scores is
// immutable once appended.
type Transaction struct {
	ID               string        `json:"id"`
	Amount           float64       `json:"amount"`
	Timestamp        time.Time     `json:"timestamp"`
	UserID           string        `json:"user_id,omitempty"`
	MerchantCategory string        `json:"merchant_category,omitempty"`
	Location         string        `json:"location,omitempty"`
	DeviceType       string        `json:"device_type,omitempty"`
	Source           ingest.Source `json:"source"`
	IngestedAt       time.Time     `json:"ingested_at"`

	*Scores
}

// FromRow converts a validated ingest row.
func FromRow(r ingest.Row, ingestedAt time.Time) *Transaction {
	return &Transaction{
		ID:               r.ID,
		Amount:           r.Amount,
		Timestamp:        r.Timestamp.UTC(),
		UserID:           r.UserID,
		MerchantCategory: r.MerchantCategory,
		Location:         r.Location,
		DeviceType:       r.DeviceType,
		Source:           r.Source,
		IngestedAt:       ingestedAt.UTC(),
	}
}

// Scored reports whether the transaction carries scores.
func (t *Transaction) Scored() bool { return t.Scores != nil }

// ScoredBy reports whether the transaction was scored by model version v.
func (t *Transaction) ScoredBy(v int64) bool {
	return t.Scores != nil && t.Scores.ModelVersion == v
}

func (t *Transaction) clone() *Transaction {
	c := *t
	if t.Scores != nil {
		s := *t.Scores
		c.Scores = &s
	}
	return &c
}

// UserProfile holds running amount statistics for one user (Welford).
type UserProfile struct {
	UserID    string    `json:"user_id"`
	Count     int64     `json:"count"`
	Mean      float64   `json:"mean_amount"`
	M2        float64   `json:"-"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Observe folds one transaction into the profile.
func (p *UserProfile) Observe(amount float64, ts time.Time) {
	p.Count++
	delta := amount - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (amount - p.Mean)
	if p.FirstSeen.IsZero() || ts.Before(p.FirstSeen) {
		p.FirstSeen = ts
	}
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
}

// Merge folds another profile's aggregate into p (parallel Welford).
func (p *UserProfile) Merge(o UserProfile) {
	if o.Count == 0 {
		return
	}
	if p.Count == 0 {
		id := p.UserID
		*p = o
		if id != "" {
			p.UserID = id
		}
		return
	}
	n := float64(p.Count + o.Count)
	delta := o.Mean - p.Mean
	p.Mean += delta * float64(o.Count) / n
	p.M2 += o.M2 + delta*delta*float64(p.Count)*float64(o.Count)/n
	p.Count += o.Count
	if o.FirstSeen.Before(p.FirstSeen) {
		p.FirstSeen = o.FirstSeen
	}
	if o.LastSeen.After(p.LastSeen) {
		p.LastSeen = o.LastSeen
	}
}

// Variance is the sample variance (0 below two observations).
func (p UserProfile) Variance() float64 {
	if p.Count < 2 {
		return 0
	}
	return p.M2 / float64(p.Count-1)
}

// StdDev is the sample standard deviation.
func (p UserProfile) StdDev() float64 { return math.Sqrt(p.Variance()) }

// Filter selects transactions for Query. Zero values mean "any".
type Filter struct {
	UserID        string
	RiskLevel     risk.Level
	Source        ingest.Source
	OnlyAnomalies bool
	Start         time.Time // inclusive
	End           time.Time // exclusive
	Limit         int
	Cursor        *pagination.Cursor
}

// Match reports whether t passes every predicate except Limit.
func (f Filter) Match(t *Transaction) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.RiskLevel != "" && (t.Scores == nil || t.RiskLevel != f.RiskLevel) {
		return false
	}
	if f.Source != "" && t.Source != f.Source {
		return false
	}
	if f.OnlyAnomalies && (t.Scores == nil || !t.IsAnomaly) {
		return false
	}
	if !f.Start.IsZero() && t.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !t.Timestamp.Before(f.End) {
		return false
	}
	return f.Cursor.After(t.Timestamp, t.ID)
}

// AmountStats summarizes transaction amounts.
type AmountStats struct {
	Total  float64 `json:"total"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// DateRange is the span of transaction timestamps.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Stats is the warehouse summary.
type Stats struct {
	TotalTransactions int                `json:"total_transactions"`
	UniqueUsers       int                `json:"unique_users"`
	AmountStats       AmountStats        `json:"amount_stats"`
	DateRange         *DateRange         `json:"date_range,omitempty"`
	Sources           map[string]int     `json:"sources"`
	RiskSummary       map[risk.Level]int `json:"risk_summary"`
	AnomalyCount      int                `json:"anomaly_count"`
	Unscored          int                `json:"unscored"`
}

func newStats() *Stats {
	s := &Stats{
		Sources:     make(map[string]int),
		RiskSummary: make(map[risk.Level]int, len(risk.Levels)),
	}
	for _, l := range risk.Levels {
		s.RiskSummary[l] = 0
	}
	return s
}

// Store is the persistence contract. Implementations must make Append
// atomic per call: a transaction and its profile contribution are stored
// together or not at all.
type Store interface {
	// Append inserts transactions whose ids are not yet stored and folds
	// them into user profiles. Returns the inserted subset.
	Append(ctx context.Context, txs []*Transaction) ([]*Transaction, error)
	Get(ctx context.Context, id string) (*Transaction, error)
	// Query returns matches ordered by timestamp desc, id desc.
	Query(ctx context.Context, f Filter) ([]*Transaction, error)
	// All returns every transaction ordered by timestamp asc, id asc.
	All(ctx context.Context) ([]*Transaction, error)
	// UnscoredIDs lists transactions not scored by model version v.
	UnscoredIDs(ctx context.Context, version int64) ([]string, error)
	// UpdateScores overwrites scores by id. Unknown ids are skipped.
	UpdateScores(ctx context.Context, scores map[string]Scores) (int, error)
	Profile(ctx context.Context, userID string) (*UserProfile, error)
	Stats(ctx context.Context) (*Stats, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}
