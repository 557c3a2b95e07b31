package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, open, WithClock(clk.Now)), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	assert.True(t, b.Allow("sheet-a"))
	assert.Equal(t, StateClosed, b.State("sheet-a"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("sheet-a")
	b.RecordFailure("sheet-a")
	assert.True(t, b.Allow("sheet-a"), "should still allow before threshold")

	b.RecordFailure("sheet-a")
	assert.False(t, b.Allow("sheet-a"))
	assert.Equal(t, StateOpen, b.State("sheet-a"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clk := newTestBreaker(2, 30*time.Second)

	b.RecordFailure("sheet-a")
	b.RecordFailure("sheet-a")
	assert.False(t, b.Allow("sheet-a"))

	clk.Advance(30 * time.Second)
	assert.True(t, b.Allow("sheet-a"), "first request after open window is a trial")
	assert.Equal(t, StateHalfOpen, b.State("sheet-a"))
	assert.False(t, b.Allow("sheet-a"), "only one trial at a time")

	b.RecordSuccess("sheet-a")
	assert.Equal(t, StateClosed, b.State("sheet-a"))
	assert.True(t, b.Allow("sheet-a"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk := newTestBreaker(2, 30*time.Second)
	b.RecordFailure("k")
	b.RecordFailure("k")

	clk.Advance(31 * time.Second)
	assert.True(t, b.Allow("k"))
	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")
	schema := errors.New("schema")
	ignore := func(err error) bool { return errors.Is(err, schema) }

	// Ignored errors pass through without counting.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute("k", func() error { return schema }, ignore), schema)
	}
	assert.Equal(t, StateClosed, b.State("k"))

	assert.ErrorIs(t, b.Execute("k", func() error { return boom }, ignore), boom)
	assert.ErrorIs(t, b.Execute("k", func() error { return boom }, ignore), boom)

	called := false
	err := b.Execute("k", func() error { called = true; return nil }, ignore)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_TransitionHook(t *testing.T) {
	var got []string
	b := New(1, time.Minute, WithTransitionHook(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	}))
	b.RecordFailure("feed")
	assert.Equal(t, []string{"feed:closed->open"}, got)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	b.Reset("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow("k")
			b.RecordFailure("k")
			b.RecordSuccess("k")
		}()
	}
	wg.Wait()
}
