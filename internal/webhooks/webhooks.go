// Package webhooks pushes risk alerts to external services.
//
// Subscribers register a URL and the events they want:
//   - transaction.flagged: a transaction scored at or above the
//     subscription's minimum risk tier
//   - model.trained: a new model became active
//
// Every delivery is signed with HMAC-SHA256 over the JSON body using the
// secret returned when the subscription was created.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/risk"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventTransactionFlagged EventType = "transaction.flagged"
	EventModelTrained       EventType = "model.trained"
	EventPing               EventType = "ping"
)

// EventTypes lists the events a subscription may ask for.
var EventTypes = []EventType{EventTransactionFlagged, EventModelTrained}

// Valid reports whether t can be subscribed to.
func (t EventType) Valid() bool { return slices.Contains(EventTypes, t) }

// ErrNotFound is returned for unknown subscription ids.
var ErrNotFound = errors.New("webhook not found")

// Event represents a webhook event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	// level gates transaction.flagged deliveries per subscription.
	level risk.Level
}

// Alert is the payload of transaction.flagged.
type Alert struct {
	TransactionID string     `json:"transaction_id"`
	UserID        string     `json:"user_id,omitempty"`
	Amount        float64    `json:"amount"`
	Timestamp     time.Time  `json:"timestamp"`
	RiskScore     float64    `json:"risk_score"`
	RiskLevel     risk.Level `json:"risk_level"`
	IsAnomaly     bool       `json:"is_anomaly"`
	ModelVersion  int64      `json:"model_version"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	MinLevel            risk.Level  `json:"min_level"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"created_at"`
	LastSuccess         *time.Time  `json:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

// Wants reports whether sub should receive e.
func (s *Subscription) Wants(e *Event) bool {
	if !s.Active {
		return false
	}
	if e.Type == EventPing {
		return true
	}
	if !slices.Contains(s.Events, e.Type) {
		return false
	}
	if e.Type == EventTransactionFlagged {
		return atLeast(e.level, s.MinLevel)
	}
	return true
}

func atLeast(l, min risk.Level) bool {
	if min == "" {
		min = risk.LevelHigh
	}
	return slices.Index(risk.Levels, l) >= slices.Index(risk.Levels, min)
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// ListByEvent returns active subscriptions to eventType.
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store. It hands out copies.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub.clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub.clone())
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && slices.Contains(sub.Events, eventType) {
			result = append(result, sub.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// Update stores delivery state. Unknown ids are ignored so a delivery
// racing a delete does not resurrect the subscription.
func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		m.subs[sub.ID] = sub.clone()
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func sortNewestFirst(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.After(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
