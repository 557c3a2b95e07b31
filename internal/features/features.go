// Package features derives the model's numeric feature vectors from stored
// transactions. Vectors are ephemeral and never persisted.
package features

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
)

// SchemaVersion identifies the feature layout below. A model trained under
// one version refuses vectors of another.
const SchemaVersion = "v1"

// Feature column names, in vector order.
const (
	Amount           = "amount"
	AmountLog        = "amount_log"
	Hour             = "hour"
	DayOfWeek        = "day_of_week"
	IsWeekend        = "is_weekend"
	IsNight          = "is_night"
	AmountVsUserAvg  = "amount_vs_user_avg"
	TimeSinceLastTx  = "time_since_last_tx"
	MerchantCategory = "merchant_category"
	Location         = "location"
	DeviceType       = "device_type"
)

const (
	// DefaultAmountRatio is amount_vs_user_avg for a user's first transaction.
	DefaultAmountRatio = 1.0
	// DefaultHoursSinceLast is time_since_last_tx (hours) when there is no
	// prior transaction.
	DefaultHoursSinceLast = 720.0

	nightEndHour = 5
)

// Schema is a versioned, ordered list of feature names.
type Schema struct {
	Version string   `json:"version"`
	Names   []string `json:"names"`
}

// V1 returns the current schema.
func V1() Schema {
	return Schema{
		Version: SchemaVersion,
		Names: []string{
			Amount, AmountLog, Hour, DayOfWeek, IsWeekend, IsNight,
			AmountVsUserAvg, TimeSinceLastTx, MerchantCategory, Location, DeviceType,
		},
	}
}

// Equal reports whether two schemas describe the same layout.
func (s Schema) Equal(o Schema) bool {
	return s.Version == o.Version && slices.Equal(s.Names, o.Names)
}

// Index returns the column of name, or -1.
func (s Schema) Index(name string) int {
	return slices.Index(s.Names, name)
}

// UserRelative reports whether a feature depends on the user's own history.
func UserRelative(name string) bool {
	return name == AmountVsUserAvg || name == TimeSinceLastTx
}

// UpperTail reports whether only large values of a feature are suspicious.
// Small amounts are not judged against the user's range.
func UpperTail(name string) bool {
	return name == Amount || name == AmountLog || name == AmountVsUserAvg
}

// Prior is the state of a user's history strictly before a transaction.
type Prior struct {
	Count    int64
	Mean     float64
	LastSeen time.Time
}

// PriorFromProfile snapshots a stored profile. Nil means no history.
func PriorFromProfile(p *warehouse.UserProfile) Prior {
	if p == nil {
		return Prior{}
	}
	return Prior{Count: p.Count, Mean: p.Mean, LastSeen: p.LastSeen}
}

// Build computes the feature vector for one transaction given the user's
// prior history. loc is the reference timezone for hour and weekday.
func Build(tx *warehouse.Transaction, prior Prior, enc *Encoder, loc *time.Location) []float64 {
	if loc == nil {
		loc = time.UTC
	}
	local := tx.Timestamp.In(loc)
	hour := local.Hour()
	wd := weekday(local)

	ratio := DefaultAmountRatio
	since := DefaultHoursSinceLast
	if tx.UserID != "" && prior.Count > 0 {
		if prior.Mean > 0 {
			ratio = tx.Amount / prior.Mean
		}
		since = math.Max(0, tx.Timestamp.Sub(prior.LastSeen).Hours())
	}

	return []float64{
		tx.Amount,
		math.Log1p(tx.Amount),
		float64(hour),
		float64(wd),
		boolf(wd >= 5),
		boolf(hour <= nightEndHour),
		ratio,
		since,
		enc.Code(MerchantCategory, tx.MerchantCategory),
		enc.Code(Location, tx.Location),
		enc.Code(DeviceType, tx.DeviceType),
	}
}

// weekday maps Monday to 0 and Sunday to 6.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Matrix is a batch of feature vectors with their row metadata.
type Matrix struct {
	Schema     Schema
	IDs        []string
	UserIDs    []string
	Timestamps []time.Time
	Rows       [][]float64
}

// Len is the number of rows.
func (m *Matrix) Len() int { return len(m.Rows) }

// Column copies out column j.
func (m *Matrix) Column(j int) []float64 {
	out := make([]float64, len(m.Rows))
	for i, r := range m.Rows {
		out[i] = r[j]
	}
	return out
}

// Select returns the rows whose ids are in want, preserving matrix order.
func (m *Matrix) Select(want map[string]bool) *Matrix {
	out := &Matrix{Schema: m.Schema}
	for i, id := range m.IDs {
		if want[id] {
			out.append(id, m.UserIDs[i], m.Timestamps[i], m.Rows[i])
		}
	}
	return out
}

// Lookup returns the row index for id, or -1.
func (m *Matrix) Lookup(id string) int {
	return slices.Index(m.IDs, id)
}

func (m *Matrix) append(id, user string, ts time.Time, row []float64) {
	m.IDs = append(m.IDs, id)
	m.UserIDs = append(m.UserIDs, user)
	m.Timestamps = append(m.Timestamps, ts)
	m.Rows = append(m.Rows, row)
}

// BuildHistory computes feature vectors for every transaction, replaying
// each user's history in (timestamp, id) order so that each row sees only
// strictly earlier transactions. Rows without a user id are cold start.
// The output is in (timestamp, id) order.
func BuildHistory(txs []*warehouse.Transaction, enc *Encoder, loc *time.Location) *Matrix {
	ordered := slices.Clone(txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	m := &Matrix{Schema: V1()}
	profiles := make(map[string]*warehouse.UserProfile)
	for _, tx := range ordered {
		if tx.UserID == "" {
			m.append(tx.ID, tx.UserID, tx.Timestamp, Build(tx, Prior{}, enc, loc))
			continue
		}
		p, ok := profiles[tx.UserID]
		if !ok {
			p = &warehouse.UserProfile{UserID: tx.UserID}
			profiles[tx.UserID] = p
		}
		m.append(tx.ID, tx.UserID, tx.Timestamp, Build(tx, PriorFromProfile(p), enc, loc))
		p.Observe(tx.Amount, tx.Timestamp)
	}
	return m
}
