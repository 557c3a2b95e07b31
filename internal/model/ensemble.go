package model

import (
	"context"
	"fmt"
)

// Ensemble combines the isolation and boundary estimators. Each component's
// decision is divided by its training-decision standard deviation before
// weighting, so both contribute on one scale and zero stays the boundary.
type Ensemble struct {
	Isolation       *IsolationForest
	Boundary        *OneClassSVM
	IsolationWeight float64
	BoundaryWeight  float64

	isoScale float64
	svmScale float64
}

func (e *Ensemble) Fit(ctx context.Context, X [][]float64) error {
	if err := e.Isolation.Fit(ctx, X); err != nil {
		return fmt.Errorf("isolation: %w", err)
	}
	if err := e.Boundary.Fit(ctx, X); err != nil {
		return fmt.Errorf("boundary: %w", err)
	}
	e.isoScale = unitScale(stddev(e.Isolation.Decision(X)))
	e.svmScale = unitScale(stddev(e.Boundary.Decision(X)))
	return nil
}

func (e *Ensemble) Decision(X [][]float64) []float64 {
	iso := e.Isolation.Decision(X)
	svm := e.Boundary.Decision(X)
	wsum := e.IsolationWeight + e.BoundaryWeight
	out := make([]float64, len(X))
	for i := range out {
		out[i] = (e.IsolationWeight*iso[i]/e.isoScale + e.BoundaryWeight*svm[i]/e.svmScale) / wsum
	}
	return out
}

func unitScale(sd float64) float64 {
	if sd <= 0 {
		return 1
	}
	return sd
}
