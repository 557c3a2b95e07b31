package model

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/features"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/metrics"
	"github.com/eelnxz09/anamoly-processing/internal/traces"
)

// Registry holds the active model. Readers load it lock-free; trainers are
// serialized and swap a fully built model in only on success, so a failed
// training leaves the previous model serving.
type Registry struct {
	active  atomic.Pointer[Model]
	trainMu sync.Mutex
	version int64 // guarded by trainMu
	logger  *slog.Logger

	onSwap []func(*Model)
}

// NewRegistry creates an untrained registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logging.Component(logger, "model")}
}

// OnSwap registers fn to run synchronously after each successful swap.
// Register before training starts.
func (r *Registry) OnSwap(fn func(*Model)) {
	r.onSwap = append(r.onSwap, fn)
}

// Active returns the current model or ErrNotTrained.
func (r *Registry) Active() (*Model, error) {
	m := r.active.Load()
	if m == nil {
		return nil, ErrNotTrained
	}
	return m, nil
}

// Train fits a new model and makes it active with the next version.
func (r *Registry) Train(ctx context.Context, X *features.Matrix, enc *features.Encoder, p Params) (*Model, error) {
	ctx, span := traces.StartSpan(ctx, "model.Train",
		traces.ModelVariant(string(p.Variant)), traces.Contamination(p.Contamination))
	var err error
	defer func() { traces.End(span, err) }()

	r.trainMu.Lock()
	defer r.trainMu.Unlock()

	start := time.Now()
	var m *Model
	m, err = Train(ctx, X, enc, p)
	if err != nil {
		metrics.TrainingsTotal.WithLabelValues("failure").Inc()
		r.logger.Warn("training failed", "variant", p.Variant, "error", err)
		return nil, err
	}
	elapsed := time.Since(start)

	r.version++
	m.Version = r.version
	r.active.Store(m)

	metrics.TrainingDuration.WithLabelValues(string(p.Variant)).Observe(elapsed.Seconds())
	metrics.TrainingsTotal.WithLabelValues("success").Inc()
	metrics.ModelVersion.Set(float64(m.Version))
	metrics.ModelTrainingSamples.Set(float64(m.SampleCount))
	span.SetAttributes(traces.ModelVersion(m.Version))

	r.logger.Info("model trained",
		"version", m.Version,
		"variant", m.Variant,
		"contamination", m.Contamination,
		"samples", m.SampleCount,
		"duration", elapsed,
	)

	for _, fn := range r.onSwap {
		fn(m)
	}
	return m, nil
}
