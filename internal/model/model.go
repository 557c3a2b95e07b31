// Package model trains and serves the unsupervised anomaly estimators.
//
// Decision values follow one convention throughout: higher is more normal
// and values below zero are outliers. A model's raw score is its
// estimator's decision, rescaled so the training decisions span 1, minus
// HullWeight times the row's distance outside the training hull. Inside the
// hull the estimator alone orders rows; beyond it risk keeps rising with
// distance instead of stalling at the edge of the training data.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/features"
	"github.com/eelnxz09/anamoly-processing/internal/ingest"
)

var (
	ErrNotTrained              = errors.New("model: not trained")
	ErrContaminationOutOfRange = errors.New("model: contamination out of range")
	ErrSchemaMismatch          = errors.New("model: schema mismatch")
	ErrUnknownVariant          = errors.New("model: unknown variant")
	ErrInvalidParams           = errors.New("model: invalid parameters")

	// ErrInsufficientData is shared with ingestion.
	ErrInsufficientData = ingest.ErrInsufficientData
)

// Variant selects the estimator.
type Variant string

const (
	VariantIsolation Variant = "isolation"
	VariantBoundary  Variant = "boundary"
	VariantEnsemble  Variant = "ensemble"
)

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantIsolation, VariantBoundary, VariantEnsemble:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

const (
	MinTrainingRows      = ingest.DefaultMinRows
	DefaultContamination = 0.1
	MaxContamination     = 0.5
	DefaultSeed          = 42
	DefaultTrees         = 200
	DefaultMaxSamples    = 256
	DefaultBoundaryRows  = 2000
	DefaultIsolationW    = 0.6
	DefaultBoundaryW     = 0.4
)

// Estimator is a fitted anomaly detector over scaled feature rows.
type Estimator interface {
	Fit(ctx context.Context, X [][]float64) error
	// Decision scores rows: higher is more normal, below zero is an outlier.
	Decision(X [][]float64) []float64
}

// Params configure training.
type Params struct {
	Contamination   float64
	Variant         Variant
	Seed            int64
	Trees           int
	BoundaryMaxRows int
	IsolationWeight float64
	BoundaryWeight  float64
}

// DefaultParams returns the stock parameters.
func DefaultParams() Params {
	return Params{
		Contamination:   DefaultContamination,
		Variant:         VariantIsolation,
		Seed:            DefaultSeed,
		Trees:           DefaultTrees,
		BoundaryMaxRows: DefaultBoundaryRows,
		IsolationWeight: DefaultIsolationW,
		BoundaryWeight:  DefaultBoundaryW,
	}
}

// Validate checks the parameters. Contamination must lie in (0, 0.5].
func (p Params) Validate() error {
	if math.IsNaN(p.Contamination) || p.Contamination <= 0 || p.Contamination > MaxContamination {
		return fmt.Errorf("%w: %v not in (0, %v]", ErrContaminationOutOfRange, p.Contamination, MaxContamination)
	}
	if _, err := ParseVariant(string(p.Variant)); err != nil {
		return err
	}
	if p.Trees <= 0 || p.BoundaryMaxRows <= 0 {
		return fmt.Errorf("%w: trees and boundary rows must be positive", ErrInvalidParams)
	}
	if p.Variant == VariantEnsemble && (p.IsolationWeight < 0 || p.BoundaryWeight < 0 || p.IsolationWeight+p.BoundaryWeight <= 0) {
		return fmt.Errorf("%w: ensemble weights", ErrInvalidParams)
	}
	return nil
}

func (p Params) estimator() Estimator {
	forest := &IsolationForest{
		Trees:         p.Trees,
		MaxSamples:    DefaultMaxSamples,
		Contamination: p.Contamination,
		Seed:          p.Seed,
	}
	svm := &OneClassSVM{
		Nu:      p.Contamination,
		MaxRows: p.BoundaryMaxRows,
		Seed:    p.Seed,
	}
	switch p.Variant {
	case VariantBoundary:
		return svm
	case VariantEnsemble:
		return &Ensemble{
			Isolation:       forest,
			Boundary:        svm,
			IsolationWeight: p.IsolationWeight,
			BoundaryWeight:  p.BoundaryWeight,
		}
	}
	return forest
}

// Model is one trained, immutable model.
type Model struct {
	Version       int64
	Variant       Variant
	Contamination float64
	Schema        features.Schema
	Encoder       *features.Encoder
	Scaler        *RobustScaler
	Estimator     Estimator
	Hull          *Hull
	// DecisionScale is the spread of the estimator's training decisions.
	DecisionScale float64
	SampleCount   int
	TrainedAt     time.Time

	// TrainingRaw holds the decision values of the training rows; they seed
	// the risk normalizer's range.
	TrainingRaw []float64
	// Population is the training feature matrix, used for explanations.
	Population *features.Matrix
}

// Info is the public summary of a model.
type Info struct {
	Version       int64     `json:"model_version"`
	Variant       Variant   `json:"variant"`
	Contamination float64   `json:"contamination"`
	SampleCount   int       `json:"training_sample_count"`
	Schema        string    `json:"feature_schema"`
	Features      []string  `json:"features"`
	TrainedAt     time.Time `json:"trained_at"`
}

// Info summarizes m.
func (m *Model) Info() Info {
	return Info{
		Version:       m.Version,
		Variant:       m.Variant,
		Contamination: m.Contamination,
		SampleCount:   m.SampleCount,
		Schema:        m.Schema.Version,
		Features:      m.Schema.Names,
		TrainedAt:     m.TrainedAt,
	}
}

// Train fits a model on a feature matrix. The version is left zero for
// the registry to assign.
func Train(ctx context.Context, X *features.Matrix, enc *features.Encoder, p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if X == nil || X.Len() < MinTrainingRows {
		got := 0
		if X != nil {
			got = X.Len()
		}
		return nil, &ingest.InsufficientDataError{Got: got, Need: MinTrainingRows}
	}
	if !X.Schema.Equal(features.V1()) {
		return nil, fmt.Errorf("%w: training matrix uses %s", ErrSchemaMismatch, X.Schema.Version)
	}

	scaler := FitRobustScaler(X.Rows)
	scaled := scaler.Transform(X.Rows)

	est := p.estimator()
	if err := est.Fit(ctx, scaled); err != nil {
		return nil, err
	}

	decisions := est.Decision(scaled)
	m := &Model{
		Variant:       p.Variant,
		Contamination: p.Contamination,
		Schema:        X.Schema,
		Encoder:       enc,
		Scaler:        scaler,
		Estimator:     est,
		Hull:          FitHull(scaled, X.Schema),
		DecisionScale: spread(decisions),
		SampleCount:   X.Len(),
		TrainedAt:     time.Now().UTC(),
		Population:    X,
	}
	m.TrainingRaw = m.raw(scaled, decisions)
	return m, nil
}

// raw turns estimator decisions on scaled rows into raw scores.
func (m *Model) raw(scaled [][]float64, decisions []float64) []float64 {
	out := make([]float64, len(decisions))
	for i, d := range decisions {
		out[i] = d/m.DecisionScale - HullWeight*m.Hull.Excess(scaled[i])
	}
	return out
}

// spread is max−min of xs, or 1 when that is zero or undefined.
func spread(xs []float64) float64 {
	if len(xs) == 0 {
		return 1
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if d := hi - lo; d > 0 && !math.IsInf(d, 0) {
		return d
	}
	return 1
}

// Predict returns raw decision values and outlier flags for X.
func (m *Model) Predict(ctx context.Context, X *features.Matrix) ([]float64, []bool, error) {
	if m == nil {
		return nil, nil, ErrNotTrained
	}
	if !X.Schema.Equal(m.Schema) {
		return nil, nil, fmt.Errorf("%w: model expects %s, got %s", ErrSchemaMismatch, m.Schema.Version, X.Schema.Version)
	}
	width := len(m.Schema.Names)
	for i, r := range X.Rows {
		if len(r) != width {
			return nil, nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrSchemaMismatch, i, len(r), width)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	scaled := m.Scaler.Transform(X.Rows)
	raw := m.raw(scaled, m.Estimator.Decision(scaled))
	outliers := make([]bool, len(raw))
	for i, r := range raw {
		outliers[i] = r < 0
	}
	return raw, outliers, nil
}
