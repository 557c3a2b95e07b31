// Package pipeline implements the public operations of the scoring service:
// batch upload, live-feed connection, training, scoring, querying and
// explanation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/cache"
	"github.com/eelnxz09/anamoly-processing/internal/circuitbreaker"
	"github.com/eelnxz09/anamoly-processing/internal/explain"
	"github.com/eelnxz09/anamoly-processing/internal/features"
	"github.com/eelnxz09/anamoly-processing/internal/feed"
	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/metrics"
	"github.com/eelnxz09/anamoly-processing/internal/model"
	"github.com/eelnxz09/anamoly-processing/internal/pagination"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
	"github.com/eelnxz09/anamoly-processing/internal/traces"
	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrFeedNotRunning  = errors.New("no live feed connected")
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000

	// scoreAttempts bounds retries when a newer model is swapped in while
	// a scoring pass is in flight.
	scoreAttempts = 5
)

// Notifier receives scoring and training events.
type Notifier interface {
	TransactionScored(tx *warehouse.Transaction)
	ModelTrained(info model.Info)
}

// Notifiers fans events out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) TransactionScored(tx *warehouse.Transaction) {
	for _, n := range ns {
		n.TransactionScored(tx)
	}
}

func (ns Notifiers) ModelTrained(info model.Info) {
	for _, n := range ns {
		n.ModelTrained(info)
	}
}

// Options configure a Service. Zero fields take defaults.
type Options struct {
	// Location is the reference timezone for parsing and hour features.
	Location *time.Location
	// Params are the training defaults; requests override contamination
	// and variant.
	Params  model.Params
	Risk    risk.Config
	Explain explain.Config

	Cache    cache.Cache
	CacheTTL time.Duration
	Notifier Notifier

	Feed         feed.Config
	FeedTimeout  time.Duration
	Cursors      feed.CursorStore
	Breaker      *circuitbreaker.Breaker
	AutoScore    bool
	MaxRejection int
	// NewSource builds the live-feed source; defaults to a SheetSource.
	NewSource func(feed.Target) feed.Source
	// EndpointGuard vets feed endpoints before the first fetch. Nil allows any.
	EndpointGuard func(endpoint string) error
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Params.Trees == 0 {
		o.Params = model.DefaultParams()
	}
	if o.Risk.Validate() != nil {
		o.Risk = risk.DefaultConfig()
	}
	if o.Cache == nil {
		o.Cache = cache.NewMemoryCache()
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
	if o.Cursors == nil {
		o.Cursors = feed.NewMemoryCursorStore()
	}
	if o.NewSource == nil {
		timeout := o.FeedTimeout
		o.NewSource = func(t feed.Target) feed.Source { return feed.NewSheetSource(t, timeout) }
	}
	return o
}

// Service wires the warehouse, model registry, normalizer and explainer.
type Service struct {
	wh        *warehouse.Warehouse
	models    *model.Registry
	norm      *risk.Normalizer
	explainer *explain.Explainer
	opts      Options
	logger    *slog.Logger

	scoreMu sync.Mutex // one scoring pass at a time

	feedMu sync.Mutex
	poller *feed.Poller
}

// NewService creates a service. The registry's swap hook is used to reset
// the normalizer and announce new models.
func NewService(wh *warehouse.Warehouse, models *model.Registry, opts Options, logger *slog.Logger) *Service {
	opts = opts.withDefaults()
	s := &Service{
		wh:        wh,
		models:    models,
		norm:      risk.NewNormalizer(opts.Risk),
		explainer: explain.New(opts.Explain),
		opts:      opts,
		logger:    logging.Component(logger, "pipeline"),
	}
	models.OnSwap(func(m *model.Model) {
		s.norm.Reset(m.Version, m.TrainingRaw)
		if s.opts.Notifier != nil {
			s.opts.Notifier.ModelTrained(m.Info())
		}
	})
	return s
}

// Warehouse exposes the underlying store service.
func (s *Service) Warehouse() *warehouse.Warehouse { return s.wh }

// UploadResult is the outcome of upload_batch.
type UploadResult struct {
	BatchID           string             `json:"batch_id,omitempty"`
	Source            ingest.Source      `json:"source"`
	Accepted          int                `json:"accepted"`
	Rejected          int                `json:"rejected"`
	Inserted          int                `json:"inserted"`
	Duplicates        int                `json:"duplicates"`
	Rejections        []ingest.Rejection `json:"rejections,omitempty"`
	WarehouseRowCount int                `json:"warehouse_row_count"`
}

// UploadBatch validates a raw batch and appends the accepted rows.
func (s *Service) UploadBatch(ctx context.Context, b *ingest.Batch, source ingest.Source) (*UploadResult, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.UploadBatch", traces.Source(string(source)))
	var err error
	defer func() { traces.End(span, err) }()

	if !source.Valid() {
		err = fmt.Errorf("%w: unknown source %q", ErrInvalidArgument, source)
		return nil, err
	}

	res, err := s.validate(b, source, ingest.DefaultMinRows)
	if err != nil {
		return nil, err
	}

	inserted, err := s.wh.Append(ctx, res.Rows)
	if err != nil {
		return nil, err
	}
	count, err := s.wh.Count(ctx)
	if err != nil {
		return nil, err
	}

	out := &UploadResult{
		Source:            source,
		Accepted:          res.Accepted,
		Rejected:          res.Rejected,
		Inserted:          len(inserted),
		Duplicates:        res.Accepted - len(inserted),
		Rejections:        res.Rejections,
		WarehouseRowCount: count,
	}
	logging.L(ctx).Info("batch uploaded",
		"source", source,
		"accepted", out.Accepted,
		"rejected", out.Rejected,
		"inserted", out.Inserted,
		"warehouse_rows", count,
	)
	return out, nil
}

func (s *Service) validate(b *ingest.Batch, source ingest.Source, minRows int) (*ingest.Result, error) {
	res, err := ingest.Validate(b, source, ingest.Options{
		MinRows:       minRows,
		Location:      s.opts.Location,
		MaxRejections: s.opts.MaxRejection,
	})
	if res != nil {
		metrics.RowsIngestedTotal.WithLabelValues(string(source)).Add(float64(res.Accepted))
		metrics.RowsRejectedTotal.WithLabelValues(string(source)).Add(float64(res.Rejected))
	}
	return res, err
}

// IngestFeed validates and appends one incremental live-feed batch. It is
// the poller's sink. A batch with no usable rows appends nothing and is not
// an error, so the offset moves past rows that can never become valid.
func (s *Service) IngestFeed(ctx context.Context, b *ingest.Batch) (int, error) {
	res, err := s.validate(b, ingest.SourceLiveFeed, 1)
	if errors.Is(err, ingest.ErrInsufficientData) {
		s.logger.Warn("feed rows rejected", "rows", len(b.Records))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	inserted, err := s.wh.Append(ctx, res.Rows)
	if err != nil {
		return 0, err
	}

	if s.opts.AutoScore && len(inserted) > 0 {
		if _, err := s.models.Active(); err == nil {
			ids := make([]string, len(inserted))
			for i, tx := range inserted {
				ids[i] = tx.ID
			}
			if _, err := s.scoreRows(ctx, ids); err != nil {
				// Rows are stored; the next score_all picks them up.
				s.logger.Warn("auto-score of feed rows failed", "rows", len(ids), "error", err)
			}
		}
	}
	return len(inserted), nil
}

// FeedConnection is the outcome of connect_feed.
type FeedConnection struct {
	Endpoint  string `json:"endpoint"`
	Worksheet string `json:"worksheet"`
	RowCount  int    `json:"row_count"`
	Appended  int    `json:"appended"`
}

// ConnectFeed performs an initial fetch of the worksheet and, on success,
// starts polling it in the background. A previously connected feed is
// stopped first.
func (s *Service) ConnectFeed(ctx context.Context, endpoint, worksheet string) (*FeedConnection, error) {
	if s.opts.EndpointGuard != nil {
		if err := s.opts.EndpointGuard(endpoint); err != nil {
			return nil, fmt.Errorf("%w: endpoint: %v", ErrInvalidArgument, err)
		}
	}

	target := feed.Target{Endpoint: endpoint, Worksheet: worksheet}
	p := feed.NewPoller(s.opts.NewSource(target), s, s.opts.Cursors, s.opts.Breaker, s.opts.Feed, s.logger)

	n, err := p.Poll(ctx)
	if err != nil {
		return nil, err
	}

	s.feedMu.Lock()
	if s.poller != nil {
		s.poller.Stop()
	}
	s.poller = p
	s.feedMu.Unlock()

	// The poll loop outlives the request.
	go p.Start(context.WithoutCancel(ctx))

	st := p.Status()
	s.logger.Info("live feed connected", "target", target.String(), "rows", st.LastRow, "appended", n)
	return &FeedConnection{
		Endpoint:  endpoint,
		Worksheet: worksheet,
		RowCount:  st.LastRow,
		Appended:  n,
	}, nil
}

// DisconnectFeed stops the live feed.
func (s *Service) DisconnectFeed() error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.poller == nil {
		return ErrFeedNotRunning
	}
	s.poller.Stop()
	s.poller = nil
	s.logger.Info("live feed disconnected")
	return nil
}

// FeedStatus reports the connected feed.
func (s *Service) FeedStatus() (feed.Status, error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.poller == nil {
		return feed.Status{}, ErrFeedNotRunning
	}
	return s.poller.Status(), nil
}

// Close stops background work.
func (s *Service) Close() {
	_ = s.DisconnectFeed()
}

// TrainRequest selects training parameters. Nil/empty fields use the
// configured defaults.
type TrainRequest struct {
	Contamination *float64 `json:"contamination,omitempty"`
	UseEnsemble   bool     `json:"use_ensemble"`
	Variant       string   `json:"variant,omitempty"`
}

// TrainResult is the outcome of train.
type TrainResult struct {
	ModelVersion        int64         `json:"model_version"`
	Variant             model.Variant `json:"variant"`
	Contamination       float64       `json:"contamination"`
	TrainingSampleCount int           `json:"training_sample_count"`
	TrainingSeconds     float64       `json:"training_time_seconds"`
}

func (s *Service) params(req TrainRequest) (model.Params, error) {
	p := s.opts.Params
	if req.Contamination != nil {
		p.Contamination = *req.Contamination
	}
	switch {
	case req.Variant != "":
		v, err := model.ParseVariant(req.Variant)
		if err != nil {
			return p, err
		}
		p.Variant = v
	case req.UseEnsemble:
		p.Variant = model.VariantEnsemble
	}
	return p, p.Validate()
}

// Train fits a new model on the whole warehouse. On failure the active
// model keeps serving.
func (s *Service) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	p, err := s.params(req)
	if err != nil {
		return nil, err
	}

	txs, err := s.wh.All(ctx)
	if err != nil {
		return nil, err
	}
	enc := features.FitEncoder(txs)
	X := features.BuildHistory(txs, enc, s.opts.Location)

	start := time.Now()
	m, err := s.models.Train(ctx, X, enc, p)
	if err != nil {
		return nil, err
	}
	return &TrainResult{
		ModelVersion:        m.Version,
		Variant:             m.Variant,
		Contamination:       m.Contamination,
		TrainingSampleCount: m.SampleCount,
		TrainingSeconds:     time.Since(start).Seconds(),
	}, nil
}

// ScoreResult is the outcome of score_all.
type ScoreResult struct {
	ModelVersion      int64              `json:"model_version"`
	Scored            int                `json:"scored"`
	AnomaliesDetected int                `json:"anomalies_detected"`
	RiskDistribution  map[risk.Level]int `json:"risk_distribution"`
	AverageRiskScore  float64            `json:"average_risk_score"`
	ProcessingSeconds float64            `json:"processing_time_seconds"`
}

// ScoreAll scores every transaction not yet scored by the active model.
// Repeating it without new data or a new model scores nothing.
func (s *Service) ScoreAll(ctx context.Context) (*ScoreResult, error) {
	return s.scoreIDs(ctx, func(m *model.Model) ([]string, error) {
		return s.wh.UnscoredIDs(ctx, m.Version)
	})
}

// scoreRows scores a fixed set of transactions with the active model.
func (s *Service) scoreRows(ctx context.Context, ids []string) (*ScoreResult, error) {
	return s.scoreIDs(ctx, func(*model.Model) ([]string, error) { return ids, nil })
}

// scoreIDs scores the transactions selected for the active model, retrying
// with the newer model if one is swapped in mid-pass. The selection is
// recomputed on every attempt.
func (s *Service) scoreIDs(ctx context.Context, selectIDs func(*model.Model) ([]string, error)) (*ScoreResult, error) {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()

	for attempt := 1; ; attempt++ {
		m, err := s.models.Active()
		if err != nil {
			return nil, err
		}
		ids, err := selectIDs(m)
		if err != nil {
			return nil, err
		}
		res, err := s.score(ctx, m, ids)
		if errors.Is(err, risk.ErrStaleVersion) && attempt < scoreAttempts {
			s.logger.Debug("model replaced during scoring, retrying", "model_version", m.Version, "attempt", attempt)
			continue
		}
		return res, err
	}
}

func (s *Service) score(ctx context.Context, m *model.Model, ids []string) (*ScoreResult, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.Score", traces.ModelVersion(m.Version), traces.Rows(len(ids)))
	var err error
	defer func() { traces.End(span, err) }()

	start := time.Now()
	out := &ScoreResult{ModelVersion: m.Version, RiskDistribution: make(map[risk.Level]int, len(risk.Levels))}
	for _, l := range risk.Levels {
		out.RiskDistribution[l] = 0
	}
	if len(ids) == 0 {
		return out, nil
	}

	txs, err := s.historyFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	X := features.BuildHistory(txs, m.Encoder, s.opts.Location).Select(want)

	raws, outliers, err := m.Predict(ctx, X)
	if err != nil {
		return nil, err
	}

	assessments, err := s.norm.AssessFor(m.Version, m.TrainingRaw, raws, outliers)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scores := make(map[string]warehouse.Scores, len(assessments))
	var total float64
	for i, a := range assessments {
		scores[X.IDs[i]] = warehouse.Scores{
			RawScore:     a.RawScore,
			RiskScore:    a.RiskScore,
			RiskLevel:    a.Level,
			IsAnomaly:    a.IsAnomaly,
			Confidence:   a.Confidence,
			ModelVersion: m.Version,
			ScoredAt:     now,
		}
		out.RiskDistribution[a.Level]++
		metrics.ScoredTotal.WithLabelValues(string(a.Level)).Inc()
		if a.IsAnomaly {
			out.AnomaliesDetected++
		}
		total += a.RiskScore
	}

	out.Scored, err = s.wh.UpdateScores(ctx, scores)
	if err != nil {
		return nil, err
	}
	if len(assessments) > 0 {
		out.AverageRiskScore = total / float64(len(assessments))
	}
	out.ProcessingSeconds = time.Since(start).Seconds()

	if s.opts.Notifier != nil {
		byID := make(map[string]*warehouse.Transaction, len(want))
		for _, tx := range txs {
			if want[tx.ID] {
				byID[tx.ID] = tx
			}
		}
		for id, sc := range scores {
			if tx, ok := byID[id]; ok {
				tx.Scores = &sc
				s.opts.Notifier.TransactionScored(tx)
			}
		}
	}

	s.logger.Info("transactions scored",
		"model_version", m.Version,
		"scored", out.Scored,
		"anomalies", out.AnomaliesDetected,
		"duration", time.Since(start),
	)
	return out, nil
}

// historyFor loads the rows needed to rebuild the feature vectors of ids:
// the targets and every row of the users they belong to. A pass covering
// half the warehouse or more reads it whole.
func (s *Service) historyFor(ctx context.Context, ids []string) ([]*warehouse.Transaction, error) {
	total, err := s.wh.Count(ctx)
	if err != nil {
		return nil, err
	}
	if 2*len(ids) >= total {
		return s.wh.All(ctx)
	}

	targets := make([]*warehouse.Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := s.wh.Get(ctx, id)
		if errors.Is(err, warehouse.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		targets = append(targets, tx)
	}
	return s.userRows(ctx, targets)
}

// userRows returns targets together with the full history of each user they
// belong to. Rows without a user carry no history.
func (s *Service) userRows(ctx context.Context, targets []*warehouse.Transaction) ([]*warehouse.Transaction, error) {
	var out []*warehouse.Transaction
	seen := make(map[string]bool)
	for _, tx := range targets {
		if tx.UserID == "" {
			out = append(out, tx)
			continue
		}
		if seen[tx.UserID] {
			continue
		}
		seen[tx.UserID] = true
		rows, err := s.wh.Query(ctx, warehouse.Filter{UserID: tx.UserID})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// QueryRequest filters transactions. Limit 0 means DefaultQueryLimit.
type QueryRequest struct {
	UserID        string
	RiskLevel     risk.Level
	Source        ingest.Source
	OnlyAnomalies bool
	Start         time.Time
	End           time.Time
	Limit         int
	Cursor        string
}

// QueryResult is one page of transactions, newest first.
type QueryResult struct {
	Transactions []*warehouse.Transaction `json:"transactions"`
	Count        int                      `json:"count"`
	NextCursor   string                   `json:"next_cursor,omitempty"`
	HasMore      bool                     `json:"has_more"`
}

// Query returns one page of transactions.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit < 0 || limit > MaxQueryLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgument, MaxQueryLimit)
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.Start.Before(req.End) {
		return nil, fmt.Errorf("%w: start must be before end", ErrInvalidArgument)
	}
	cursor, err := pagination.Decode(req.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	rows, err := s.wh.Query(ctx, warehouse.Filter{
		UserID:        req.UserID,
		RiskLevel:     req.RiskLevel,
		Source:        req.Source,
		OnlyAnomalies: req.OnlyAnomalies,
		Start:         req.Start,
		End:           req.End,
		Limit:         limit + 1,
		Cursor:        cursor,
	})
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(rows, limit, func(t *warehouse.Transaction) (time.Time, string) {
		return t.Timestamp, t.ID
	})
	if page == nil {
		page = []*warehouse.Transaction{}
	}
	return &QueryResult{Transactions: page, Count: len(page), NextCursor: next, HasMore: more}, nil
}

// Transaction returns one stored transaction.
func (s *Service) Transaction(ctx context.Context, id string) (*warehouse.Transaction, error) {
	tx, err := s.wh.Get(ctx, id)
	if errors.Is(err, warehouse.ErrNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return tx, err
}

// Profile returns a user's running amount profile.
func (s *Service) Profile(ctx context.Context, userID string) (*warehouse.UserProfile, error) {
	p, err := s.wh.Profile(ctx, userID)
	if errors.Is(err, warehouse.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return p, err
}

// Explain returns the explanation for a scored transaction. Results are
// cached per transaction, scoring version and active model version.
func (s *Service) Explain(ctx context.Context, id string) (*explain.Explanation, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.Explain", traces.TransactionID(id))
	var err error
	defer func() { traces.End(span, err) }()

	tx, err := s.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.Scored() {
		err = fmt.Errorf("%w: transaction %s has not been scored", ErrNotFound, id)
		return nil, err
	}
	// The explanation needs the active model's encoder and population.
	m, err := s.models.Active()
	if err != nil {
		return nil, err
	}

	key := "explain:" + id + ":" + strconv.FormatInt(tx.ModelVersion, 10) + ":" + strconv.FormatInt(m.Version, 10)
	var cached explain.Explanation
	if cerr := s.opts.Cache.Get(ctx, key, &cached); cerr == nil {
		metrics.ExplanationsTotal.WithLabelValues("hit").Inc()
		return &cached, nil
	} else if !errors.Is(cerr, cache.ErrMiss) {
		s.logger.Warn("explanation cache read failed", "error", cerr)
	}
	metrics.ExplanationsTotal.WithLabelValues("miss").Inc()

	txs, err := s.userRows(ctx, []*warehouse.Transaction{tx})
	if err != nil {
		return nil, err
	}
	X := features.BuildHistory(txs, m.Encoder, s.opts.Location)
	i := X.Lookup(id)
	if i < 0 {
		err = fmt.Errorf("%w: transaction %s", ErrNotFound, id)
		return nil, err
	}

	// Rows are in (timestamp, id) order, so the user's rows before i are
	// exactly their strictly earlier transactions.
	var history [][]float64
	if tx.UserID != "" {
		for j := 0; j < i; j++ {
			if X.UserIDs[j] == tx.UserID {
				history = append(history, X.Rows[j])
			}
		}
	}

	out := s.explainer.Explain(explain.Input{
		TransactionID: id,
		Assessment: risk.Assessment{
			RawScore:   tx.RawScore,
			RiskScore:  tx.RiskScore,
			Level:      tx.RiskLevel,
			IsAnomaly:  tx.IsAnomaly,
			Confidence: tx.Confidence,
		},
		ModelVersion: tx.ModelVersion,
		Schema:       m.Schema,
		Vector:       X.Rows[i],
		UserHistory:  history,
		Population:   m.Population.Rows,
	})

	if cerr := s.opts.Cache.Set(ctx, key, out, s.opts.CacheTTL); cerr != nil {
		s.logger.Warn("explanation cache write failed", "error", cerr)
	}
	return out, nil
}

// Statistics is the warehouse summary plus the active model version.
type Statistics struct {
	*warehouse.Stats
	ModelVersion *int64 `json:"model_version"`
}

// Statistics summarizes the warehouse.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	st, err := s.wh.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &Statistics{Stats: st}
	if m, err := s.models.Active(); err == nil {
		v := m.Version
		out.ModelVersion = &v
	}
	return out, nil
}

// ModelInfo describes the active model.
func (s *Service) ModelInfo() (model.Info, error) {
	m, err := s.models.Active()
	if err != nil {
		return model.Info{}, err
	}
	return m.Info(), nil
}

// Ready reports whether a model is serving.
func (s *Service) Ready() bool {
	_, err := s.models.Active()
	return err == nil
}
