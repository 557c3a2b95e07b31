package warehouse

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	txs      map[string]*Transaction
	order    []*Transaction // timestamp asc, id asc
	profiles map[string]*UserProfile
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		profiles: make(map[string]*UserProfile),
	}
}

func less(a, b *Transaction) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (m *MemoryStore) Append(_ context.Context, txs []*Transaction) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]*Transaction, 0, len(txs))
	for _, t := range txs {
		if _, exists := m.txs[t.ID]; exists {
			continue
		}
		c := t.clone()
		m.txs[c.ID] = c
		inserted = append(inserted, t)

		i := sort.Search(len(m.order), func(i int) bool { return less(c, m.order[i]) })
		m.order = append(m.order, nil)
		copy(m.order[i+1:], m.order[i:])
		m.order[i] = c

		if c.UserID != "" {
			p, ok := m.profiles[c.UserID]
			if !ok {
				p = &UserProfile{UserID: c.UserID}
				m.profiles[c.UserID] = p
			}
			p.Observe(c.Amount, c.Timestamp)
		}
	}
	return inserted, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.order[i]
		if !f.Match(t) {
			continue
		}
		out = append(out, t.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) All(_ context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, len(m.order))
	for i, t := range m.order {
		out[i] = t.clone()
	}
	return out, nil
}

func (m *MemoryStore) UnscoredIDs(_ context.Context, version int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, t := range m.order {
		if !t.ScoredBy(version) {
			out = append(out, t.ID)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateScores(_ context.Context, scores map[string]Scores) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range scores {
		t, ok := m.txs[id]
		if !ok {
			continue
		}
		s := s
		t.Scores = &s
		n++
	}
	return n, nil
}

func (m *MemoryStore) Profile(_ context.Context, userID string) (*UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := newStats()
	s.TotalTransactions = len(m.order)
	s.UniqueUsers = len(m.profiles)
	if len(m.order) == 0 {
		return s, nil
	}

	amounts := make([]float64, 0, len(m.order))
	var sum float64
	for _, t := range m.order {
		amounts = append(amounts, t.Amount)
		sum += t.Amount
		s.Sources[string(t.Source)]++
		if t.Scores == nil {
			s.Unscored++
			continue
		}
		s.RiskSummary[t.RiskLevel]++
		if t.IsAnomaly {
			s.AnomalyCount++
		}
	}

	n := float64(len(amounts))
	mean := sum / n
	var ss float64
	for _, a := range amounts {
		ss += (a - mean) * (a - mean)
	}
	sort.Float64s(amounts)

	s.AmountStats = AmountStats{
		Total:  sum,
		Mean:   mean,
		Median: median(amounts),
		Min:    amounts[0],
		Max:    amounts[len(amounts)-1],
	}
	if len(amounts) > 1 {
		s.AmountStats.Std = math.Sqrt(ss / (n - 1))
	}
	s.DateRange = &DateRange{Start: m.order[0].Timestamp, End: m.order[len(m.order)-1].Timestamp}
	return s, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// median of a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
