package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/model"
	"github.com/eelnxz09/anamoly-processing/internal/retry"
	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
)

const (
	HeaderEvent     = "X-Anomaly-Event"
	HeaderTimestamp = "X-Anomaly-Timestamp"
	HeaderSignature = "X-Anomaly-Signature"

	DefaultQueueSize   = 1024
	DefaultWorkers     = 4
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 10
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anomaly",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "anomaly",
		Subsystem: "webhook",
		Name:      "events_dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, eventsDropped)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithURLValidator checks each target URL before delivery.
func WithURLValidator(fn func(string) error) Option {
	return func(d *Dispatcher) { d.urlValidator = fn }
}

// WithRetryPolicy overrides the per-delivery retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithMaxFailures sets how many failed deliveries in a row deactivate a
// subscription. Zero never deactivates.
func WithMaxFailures(n int) Option {
	return func(d *Dispatcher) { d.maxFailures = n }
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// Dispatcher sends webhook events. Events are queued and delivered by
// Run's workers so scoring never waits on subscribers.
type Dispatcher struct {
	store        Store
	client       *resty.Client
	urlValidator func(string) error
	policy       retry.Policy
	maxFailures  int
	workers      int
	queue        chan *Event
	logger       *slog.Logger

	// serializes read-modify-write of delivery state
	stateMu sync.Mutex
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "anomaly-webhooks/1.0").
			SetRetryCount(0),
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		maxFailures: DefaultMaxFailures,
		workers:     DefaultWorkers,
		queue:       make(chan *Event, DefaultQueueSize),
		logger:      logging.Component(logger, "webhooks"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-d.queue:
					d.Dispatch(ctx, e)
				}
			}
		}()
	}
	wg.Wait()
}

// Enqueue queues e for delivery. It never blocks; a full queue drops e.
func (d *Dispatcher) Enqueue(e *Event) {
	select {
	case d.queue <- e:
	default:
		eventsDropped.Inc()
		d.logger.Warn("webhook queue full, dropping event", "type", e.Type)
	}
}

// TransactionScored queues a transaction.flagged event. Subscriptions
// filter by their own minimum tier.
func (d *Dispatcher) TransactionScored(tx *warehouse.Transaction) {
	if tx.Scores == nil {
		return
	}
	d.Enqueue(&Event{
		ID:        uuid.NewString(),
		Type:      EventTransactionFlagged,
		Timestamp: time.Now().UTC(),
		Data: Alert{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
			RiskScore:     tx.RiskScore,
			RiskLevel:     tx.RiskLevel,
			IsAnomaly:     tx.IsAnomaly,
			ModelVersion:  tx.ModelVersion,
		},
		level: tx.RiskLevel,
	})
}

// ModelTrained queues a model.trained event.
func (d *Dispatcher) ModelTrained(info model.Info) {
	d.Enqueue(&Event{
		ID:        uuid.NewString(),
		Type:      EventModelTrained,
		Timestamp: time.Now().UTC(),
		Data:      info,
	})
}

// Dispatch sends e to every subscription that wants it.
func (d *Dispatcher) Dispatch(ctx context.Context, e *Event) {
	subs, err := d.store.ListByEvent(ctx, e.Type)
	if err != nil {
		d.logger.Error("failed to load webhook subscriptions", "type", e.Type, "error", err)
		return
	}
	for _, sub := range subs {
		if sub.Wants(e) {
			_ = d.Deliver(ctx, sub, e)
		}
	}
}

// SendTest delivers a ping to sub once and reports the outcome.
func (d *Dispatcher) SendTest(ctx context.Context, sub *Subscription) error {
	return d.Deliver(ctx, sub, &Event{
		ID:        uuid.NewString(),
		Type:      EventPing,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"subscription_id": sub.ID},
	})
}

// Deliver posts e to sub with retries and records the outcome on sub.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.post(ctx, sub, e, payload)
	})

	result := "success"
	if err != nil {
		result = "failure"
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID,
			"type", e.Type,
			"error", err,
		)
	}
	deliveriesTotal.WithLabelValues(string(e.Type), result).Inc()
	d.record(ctx, sub.ID, err)
	return err
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, e *Event, payload []byte) error {
	if d.urlValidator != nil {
		if err := d.urlValidator(sub.URL); err != nil {
			return retry.Permanent(fmt.Errorf("url rejected: %w", err))
		}
	}

	req := d.client.R().
		SetContext(ctx).
		SetHeader(HeaderEvent, string(e.Type)).
		SetHeader(HeaderTimestamp, strconv.FormatInt(e.Timestamp.Unix(), 10)).
		SetBody(payload)
	if sub.Secret != "" {
		req.SetHeader(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := req.Post(sub.URL)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", code)
	default:
		return retry.Permanent(fmt.Errorf("status %d", code))
	}
}

// record stores the delivery outcome on the current copy of the
// subscription and deactivates it after too many failures in a row.
func (d *Dispatcher) record(ctx context.Context, id string, deliveryErr error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return // deleted meanwhile
	}
	if deliveryErr == nil {
		now := time.Now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliveryErr.Error()
		sub.ConsecutiveFailures++
		if d.maxFailures > 0 && sub.ConsecutiveFailures >= d.maxFailures && sub.Active {
			sub.Active = false
			d.logger.Warn("webhook deactivated after repeated failures",
				"subscription", sub.ID,
				"failures", sub.ConsecutiveFailures,
			)
		}
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Error("failed to record webhook delivery", "subscription", id, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
