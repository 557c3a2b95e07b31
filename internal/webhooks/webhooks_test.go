package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/retry"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
)

// fastRetry keeps retry tests quick.
var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestDispatcher(store Store, opts ...Option) *Dispatcher {
	return NewDispatcher(store, logging.Discard(), append([]Option{WithRetryPolicy(fastRetry)}, opts...)...)
}

func newSub(id, url string, events ...EventType) *Subscription {
	return &Subscription{
		ID:        id,
		URL:       url,
		Secret:    "secret123",
		Events:    events,
		MinLevel:  risk.LevelHigh,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

func scoredTx(id string, level risk.Level) *warehouse.Transaction {
	return &warehouse.Transaction{
		ID:        id,
		Amount:    99.5,
		UserID:    "u1",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Scores: &warehouse.Scores{
			RiskScore:    90,
			RiskLevel:    level,
			IsAnomaly:    level == risk.LevelCritical,
			ModelVersion: 1,
		},
	}
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := newSub("wh1", "https://example.com/hook", EventTransactionFlagged)

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Returned values are copies
	got.URL = "https://changed.example.com"
	again, _ := store.Get(ctx, "wh1")
	if again.URL != "https://example.com/hook" {
		t.Error("Store leaked its internal copy")
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestMemoryStore_UpdateDoesNotResurrect(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Update(ctx, newSub("ghost", "https://example.com"))
	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update created a subscription: %v", err)
	}
}

func TestMemoryStore_ListByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, newSub("wh1", "https://a.example.com", EventTransactionFlagged))
	_ = store.Create(ctx, newSub("wh2", "https://b.example.com", EventModelTrained))
	inactive := newSub("wh3", "https://c.example.com", EventTransactionFlagged, EventModelTrained)
	inactive.Active = false
	_ = store.Create(ctx, inactive)

	subs, _ := store.ListByEvent(ctx, EventTransactionFlagged)
	if len(subs) != 1 || subs[0].ID != "wh1" {
		t.Errorf("Expected only wh1, got %d subscriptions", len(subs))
	}

	all, _ := store.List(ctx)
	if len(all) != 3 {
		t.Errorf("Expected 3 subscriptions, got %d", len(all))
	}
}

// ---------------------------------------------------------------------------
// Filtering and signing
// ---------------------------------------------------------------------------

func TestSubscription_Wants(t *testing.T) {
	sub := newSub("wh1", "https://example.com", EventTransactionFlagged)

	tests := []struct {
		name  string
		event *Event
		want  bool
	}{
		{"critical passes high", &Event{Type: EventTransactionFlagged, level: risk.LevelCritical}, true},
		{"high passes high", &Event{Type: EventTransactionFlagged, level: risk.LevelHigh}, true},
		{"medium below high", &Event{Type: EventTransactionFlagged, level: risk.LevelMedium}, false},
		{"unsubscribed event", &Event{Type: EventModelTrained}, false},
		{"ping always", &Event{Type: EventPing}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sub.Wants(tt.event); got != tt.want {
				t.Errorf("Wants() = %v, want %v", got, tt.want)
			}
		})
	}

	sub.Active = false
	if sub.Wants(&Event{Type: EventPing}) {
		t.Error("Inactive subscription should want nothing")
	}
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"id":"evt"}`)
	sig := Sign(payload, "s3cret")

	if !Verify(payload, "s3cret", sig) {
		t.Error("Expected signature to verify")
	}
	if Verify(payload, "other", sig) {
		t.Error("Expected wrong secret to fail")
	}
	if Verify([]byte(`{"id":"x"}`), "s3cret", sig) {
		t.Error("Expected tampered payload to fail")
	}
	if Verify(payload, "s3cret", "not-hex") {
		t.Error("Expected malformed signature to fail")
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func TestDeliver_SignedRequest(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotHdr = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := newSub("wh1", srv.URL, EventTransactionFlagged)
	_ = store.Create(context.Background(), sub)
	d := newTestDispatcher(store)

	if err := d.SendTest(context.Background(), sub); err != nil {
		t.Fatalf("SendTest failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotHdr.Get(HeaderEvent) != string(EventPing) {
		t.Errorf("Expected ping event header, got %q", gotHdr.Get(HeaderEvent))
	}
	if gotHdr.Get(HeaderTimestamp) == "" {
		t.Error("Expected timestamp header")
	}
	if !Verify(gotBody, "secret123", gotHdr.Get(HeaderSignature)) {
		t.Error("Signature did not verify against body")
	}

	got, _ := store.Get(context.Background(), "wh1")
	if got.LastSuccess == nil || got.LastError != "" {
		t.Errorf("Expected success recorded, got %+v", got)
	}
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := newSub("wh1", srv.URL, EventTransactionFlagged)
	_ = store.Create(context.Background(), sub)

	if err := newTestDispatcher(store).SendTest(context.Background(), sub); err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits.Load())
	}
}

func TestDeliver_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := newSub("wh1", srv.URL, EventTransactionFlagged)
	_ = store.Create(context.Background(), sub)

	err := newTestDispatcher(store).SendTest(context.Background(), sub)
	if err == nil {
		t.Fatal("Expected delivery error")
	}
	if hits.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", hits.Load())
	}

	got, _ := store.Get(context.Background(), "wh1")
	if got.ConsecutiveFailures != 1 || got.LastError == "" {
		t.Errorf("Expected failure recorded, got %+v", got)
	}
}

func TestDeliver_DeactivatesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := newSub("wh1", srv.URL, EventTransactionFlagged)
	_ = store.Create(context.Background(), sub)
	d := newTestDispatcher(store, WithMaxFailures(2))

	_ = d.SendTest(context.Background(), sub)
	got, _ := store.Get(context.Background(), "wh1")
	if !got.Active {
		t.Fatal("Deactivated too early")
	}

	_ = d.SendTest(context.Background(), sub)
	got, _ = store.Get(context.Background(), "wh1")
	if got.Active {
		t.Error("Expected subscription deactivated after 2 failures")
	}
}

func TestDeliver_URLValidatorBlocks(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := newSub("wh1", srv.URL, EventTransactionFlagged)
	_ = store.Create(context.Background(), sub)

	blocked := errors.New("blocked")
	d := newTestDispatcher(store, WithURLValidator(func(string) error { return blocked }))

	err := d.SendTest(context.Background(), sub)
	if !errors.Is(err, blocked) {
		t.Errorf("Expected validator error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("Expected no request, got %d", hits.Load())
	}
}

func TestRun_DeliversQueuedAlerts(t *testing.T) {
	received := make(chan Event, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		_ = json.NewDecoder(r.Body).Decode(&e)
		received <- e
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), newSub("wh1", srv.URL, EventTransactionFlagged, EventModelTrained))
	d := newTestDispatcher(store, WithWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.TransactionScored(scoredTx("low", risk.LevelLow))
	d.TransactionScored(&warehouse.Transaction{ID: "unscored"})
	d.TransactionScored(scoredTx("crit", risk.LevelCritical))

	select {
	case e := <-received:
		if e.Type != EventTransactionFlagged {
			t.Fatalf("Expected transaction.flagged, got %s", e.Type)
		}
		data, _ := e.Data.(map[string]any)
		if data["transaction_id"] != "crit" {
			t.Errorf("Expected only the critical transaction, got %v", data["transaction_id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}

	select {
	case e := <-received:
		t.Errorf("Unexpected extra delivery: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	for i := 0; i < DefaultQueueSize+5; i++ {
		d.Enqueue(&Event{Type: EventModelTrained})
	}
	if len(d.queue) != DefaultQueueSize {
		t.Errorf("Expected full queue of %d, got %d", DefaultQueueSize, len(d.queue))
	}
}
