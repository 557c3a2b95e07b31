package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eelnxz09/anamoly-processing/internal/circuitbreaker"
	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/metrics"
	"github.com/eelnxz09/anamoly-processing/internal/retry"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultCycleTimeout = 20 * time.Second

	breakerThreshold = 3
	breakerOpenFor   = 2 * time.Minute
)

// Config tunes a Poller. Zero fields take defaults.
type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	// FetchesPerMinute caps fetches, including retries.
	FetchesPerMinute int
	Retry            retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CycleTimeout <= 0 || c.CycleTimeout > c.Interval {
		c.CycleTimeout = min(DefaultCycleTimeout, c.Interval)
	}
	if c.FetchesPerMinute <= 0 {
		c.FetchesPerMinute = 12
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second}
	}
	return c
}

// Poller fetches a worksheet on a fixed interval and forwards rows past the
// last ingested offset to a Sink. A failing or slow cycle is logged and
// skipped; the next tick tries again.
type Poller struct {
	source  Source
	sink    Sink
	cursors CursorStore
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	cycleMu sync.Mutex // one cycle at a time

	mu     sync.RWMutex
	status Status
}

// NewPoller creates a poller. breaker may be shared across pollers; it is
// keyed by endpoint.
func NewPoller(source Source, sink Sink, cursors CursorStore, breaker *circuitbreaker.Breaker, cfg Config, logger *slog.Logger) *Poller {
	cfg = cfg.withDefaults()
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	if breaker == nil {
		breaker = circuitbreaker.New(breakerThreshold, breakerOpenFor)
	}
	every := time.Minute / time.Duration(cfg.FetchesPerMinute)
	return &Poller{
		source:  source,
		sink:    sink,
		cursors: cursors,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(every), cfg.Retry.MaxAttempts),
		breaker: breaker,
		logger:  logging.Component(logger, "feed").With("target", source.Target().String()),
		stop:    make(chan struct{}),
		status:  Status{Target: source.Target()},
	}
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start runs the poll loop until ctx is done or Stop is called. Call in a
// goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safePoll(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Status returns a snapshot.
func (p *Poller) Status() Status {
	p.mu.RLock()
	s := p.status
	p.mu.RUnlock()
	s.Running = p.Running()
	s.Breaker = p.breaker.State(s.Target.Endpoint).String()
	return s
}

func (p *Poller) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in feed poller", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := p.Poll(ctx); err != nil {
		p.logger.Warn("feed poll skipped", "error", err)
	}
}

// Poll runs one time-boxed cycle and returns the number of rows appended.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	p.setStatus(func(s *Status) { s.LastPoll = time.Now().UTC() })

	n, err := p.poll(ctx)
	if err != nil {
		metrics.FeedPollsTotal.WithLabelValues(pollResult(err)).Inc()
		p.setStatus(func(s *Status) { s.LastError = err.Error() })
		return 0, err
	}

	metrics.FeedPollsTotal.WithLabelValues("success").Inc()
	metrics.FeedRowsTotal.Add(float64(n))
	p.setStatus(func(s *Status) {
		s.LastError = ""
		s.LastSuccess = time.Now().UTC()
		s.RowsAppended += int64(n)
	})
	return n, nil
}

func (p *Poller) poll(ctx context.Context) (int, error) {
	target := p.source.Target()
	lastRow, err := p.cursors.Load(ctx, target)
	if err != nil {
		return 0, err
	}

	batch, err := p.fetch(ctx)
	if err != nil {
		return 0, err
	}

	total := len(batch.Records)
	if total < lastRow {
		// The worksheet shrank; identity dedup makes a full re-read safe.
		p.logger.Warn("worksheet shrank, rereading from the top", "last_row", lastRow, "rows", total)
		lastRow = 0
	}
	p.setStatus(func(s *Status) { s.LastRow = lastRow })
	if total == lastRow {
		return 0, nil
	}

	n, err := p.sink.IngestFeed(ctx, batch.Slice(lastRow))
	if err != nil {
		return 0, fmt.Errorf("ingest feed rows: %w", err)
	}

	if err := p.cursors.Save(ctx, target, total); err != nil {
		return n, err
	}
	p.setStatus(func(s *Status) { s.LastRow = total })
	p.logger.Info("feed rows ingested", "new_rows", total-lastRow, "appended", n, "last_row", total)
	return n, nil
}

// fetch retries transient failures inside the cycle budget, each attempt
// rate limited and guarded by the endpoint's breaker.
func (p *Poller) fetch(ctx context.Context) (*ingest.Batch, error) {
	key := p.source.Target().Endpoint
	policy := p.cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Debug("feed fetch retry", "attempt", attempt, "wait", wait, "error", err)
	}

	var batch *ingest.Batch
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		err := p.breaker.Execute(key, func() error {
			var ferr error
			batch, ferr = p.source.Fetch(ctx)
			return ferr
		}, isSchemaError)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen), isSchemaError(err):
			return retry.Permanent(err)
		}
		return err
	})
	return batch, err
}

// Schema problems are the sheet owner's fault, not the endpoint's.
func isSchemaError(err error) bool {
	return errors.Is(err, ErrSchema)
}

func pollResult(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, ErrSchema):
		return "schema_error"
	case errors.Is(err, ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return "unreachable"
	}
	return "error"
}

func (p *Poller) setStatus(fn func(*Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}
