package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eelnxz09/anamoly-processing/internal/circuitbreaker"
	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/retry"
)

const sheetCSV = "amount,timestamp,user_id\n10,2026-03-01T10:00:00Z,u1\n20,2026-03-01T11:00:00Z,u1\n"

func TestSheetSource_Fetch(t *testing.T) {
	var gotSheet string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSheet = r.URL.Query().Get("sheet")
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(sheetCSV))
	}))
	defer srv.Close()

	src := NewSheetSource(Target{Endpoint: srv.URL, Worksheet: "Sheet1"}, time.Second)
	b, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Sheet1", gotSheet)
	assert.Equal(t, []string{"amount", "timestamp", "user_id"}, b.Columns)
	assert.Len(t, b.Records, 2)
}

func TestSheetSource_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewSheetSource(Target{Endpoint: srv.URL}, time.Second).Fetch(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
	var ue *UnreachableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusForbidden, ue.Status)
}

func TestSheetSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewSheetSource(Target{Endpoint: url}, time.Second).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestSheetSource_MissingColumns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("amount,user_id\n10,u1\n"))
	}))
	defer srv.Close()

	_, err := NewSheetSource(Target{Endpoint: srv.URL}, time.Second).Fetch(context.Background())
	require.ErrorIs(t, err, ErrSchema)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"timestamp"}, se.Missing)
}

func TestCheckHeader_Normalizes(t *testing.T) {
	assert.NoError(t, CheckHeader([]string{" Amount ", "TimeStamp"}))
}

// fakeSource serves scripted results in order, repeating the last.
type fakeSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   atomic.Int32
}

type fetchResult struct {
	batch *ingest.Batch
	err   error
}

func (f *fakeSource) Target() Target { return Target{Endpoint: "http://sheet.test", Worksheet: "Sheet1"} }

func (f *fakeSource) Fetch(ctx context.Context) (*ingest.Batch, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.batch, r.err
}

func sheet(n int) *ingest.Batch {
	b := &ingest.Batch{Columns: []string{"amount", "timestamp"}}
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, []string{"10", "2026-03-01T10:00:00Z"})
	}
	return b
}

type recordingSink struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (s *recordingSink) IngestFeed(_ context.Context, b *ingest.Batch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.batches = append(s.batches, len(b.Records))
	return len(b.Records), nil
}

func testConfig() Config {
	return Config{
		Interval:         time.Hour,
		CycleTimeout:     5 * time.Second,
		FetchesPerMinute: 60000,
		Retry:            retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
}

func TestPoller_AdvancesOffset(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{batch: sheet(3)}, {batch: sheet(3)}, {batch: sheet(5)}}}
	sink := &recordingSink{}
	cursors := NewMemoryCursorStore()
	p := NewPoller(src, sink, cursors, nil, testConfig(), logging.Discard())
	ctx := context.Background()

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no new rows")

	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []int{3, 2}, sink.batches)
	last, _ := cursors.Load(ctx, src.Target())
	assert.Equal(t, 5, last)

	st := p.Status()
	assert.Equal(t, 5, st.LastRow)
	assert.Equal(t, int64(5), st.RowsAppended)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "closed", st.Breaker)
}

func TestPoller_SinkFailureKeepsOffset(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{batch: sheet(4)}}}
	sink := &recordingSink{err: errors.New("warehouse down")}
	cursors := NewMemoryCursorStore()
	p := NewPoller(src, sink, cursors, nil, testConfig(), logging.Discard())

	_, err := p.Poll(context.Background())
	require.Error(t, err)
	last, _ := cursors.Load(context.Background(), src.Target())
	assert.Zero(t, last)
	assert.Contains(t, p.Status().LastError, "warehouse down")

	sink.err = nil
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPoller_ShrunkSheetRereads(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{batch: sheet(2)}}}
	sink := &recordingSink{}
	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.Save(context.Background(), src.Target(), 10))

	p := NewPoller(src, sink, cursors, nil, testConfig(), logging.Discard())
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPoller_RetriesTransientFailure(t *testing.T) {
	transient := &UnreachableError{Endpoint: "http://sheet.test", Status: 503}
	src := &fakeSource{results: []fetchResult{{err: transient}, {batch: sheet(1)}}}
	p := NewPoller(src, &recordingSink{}, nil, nil, testConfig(), logging.Discard())

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestPoller_SchemaErrorNotRetried(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{err: &SchemaError{Missing: []string{"amount"}}}}}
	p := NewPoller(src, &recordingSink{}, nil, nil, testConfig(), logging.Discard())

	_, err := p.Poll(context.Background())
	assert.ErrorIs(t, err, ErrSchema)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, "closed", p.Status().Breaker)
}

func TestPoller_BreakerOpensOnRepeatedFailure(t *testing.T) {
	down := &UnreachableError{Endpoint: "http://sheet.test", Err: errors.New("connection refused")}
	src := &fakeSource{results: []fetchResult{{err: down}}}
	breaker := circuitbreaker.New(2, time.Hour)
	p := NewPoller(src, &recordingSink{}, nil, breaker, testConfig(), logging.Discard())

	_, err := p.Poll(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, "open", p.Status().Breaker)

	calls := src.calls.Load()
	_, err = p.Poll(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, src.calls.Load(), "open breaker skips the fetch")
}

func TestPoller_SlowFetchIsTimeBoxed(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	src := &blockingSource{block: block}
	cfg := testConfig()
	cfg.CycleTimeout = 50 * time.Millisecond
	p := NewPoller(src, &recordingSink{}, nil, nil, cfg, logging.Discard())

	start := time.Now()
	_, err := p.Poll(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type blockingSource struct{ block chan struct{} }

func (b *blockingSource) Target() Target { return Target{Endpoint: "http://slow.test"} }

func (b *blockingSource) Fetch(ctx context.Context) (*ingest.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, &UnreachableError{Endpoint: "http://slow.test", Err: ctx.Err()}
	case <-b.block:
		return sheet(1), nil
	}
}

func TestPoller_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.CycleTimeout = 10 * time.Millisecond
	src := &fakeSource{results: []fetchResult{{batch: sheet(1)}}}
	p := NewPoller(src, &recordingSink{}, nil, nil, cfg, logging.Discard())

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Running())
	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.False(t, p.Running())
}
