package model

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
)

const eulerGamma = 0.5772156649015329

// IsolationForest isolates points with random axis-aligned splits; points
// that isolate in few splits are outliers.
type IsolationForest struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64

	trees      []*itreeNode
	sampleSize int
	offset     float64
}

type itreeNode struct {
	feature     int
	split       float64
	left, right *itreeNode
	size        int
}

func (n *itreeNode) leaf() bool { return n.left == nil }

// Fit grows the forest and sets the decision offset so that the
// Contamination share of training rows falls below zero.
func (f *IsolationForest) Fit(ctx context.Context, X [][]float64) error {
	n := len(X)
	if n == 0 {
		return ErrInsufficientData
	}
	rng := newRNG(f.Seed)

	f.sampleSize = min(f.MaxSamples, n)
	if f.sampleSize <= 0 {
		f.sampleSize = min(DefaultMaxSamples, n)
	}
	limit := int(math.Ceil(math.Log2(math.Max(float64(f.sampleSize), 2))))

	f.trees = make([]*itreeNode, 0, f.Trees)
	for t := 0; t < f.Trees; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := rng.Perm(n)[:f.sampleSize]
		f.trees = append(f.trees, growTree(rng, X, idx, 0, limit))
	}

	scores := f.scoreSamples(X)
	slices.Sort(scores)
	f.offset = quantile(scores, f.Contamination)
	return nil
}

// Decision is scoreSamples minus the fitted offset.
func (f *IsolationForest) Decision(X [][]float64) []float64 {
	out := f.scoreSamples(X)
	for i := range out {
		out[i] -= f.offset
	}
	return out
}

// scoreSamples is the negated anomaly score 2^(-E[h(x)]/c(psi)), so it
// lies in [-1, 0) and higher is more normal.
func (f *IsolationForest) scoreSamples(X [][]float64) []float64 {
	norm := averagePathLength(f.sampleSize)
	out := make([]float64, len(X))
	for i, x := range X {
		var total float64
		for _, t := range f.trees {
			total += pathLength(t, x)
		}
		mean := total / float64(len(f.trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out
}

func growTree(rng *rand.Rand, X [][]float64, idx []int, depth, limit int) *itreeNode {
	if depth >= limit || len(idx) <= 1 {
		return &itreeNode{size: len(idx)}
	}

	d := len(X[idx[0]])
	lo := make([]float64, d)
	hi := make([]float64, d)
	copy(lo, X[idx[0]])
	copy(hi, X[idx[0]])
	for _, i := range idx[1:] {
		for j, v := range X[i] {
			lo[j] = math.Min(lo[j], v)
			hi[j] = math.Max(hi[j], v)
		}
	}
	var candidates []int
	for j := 0; j < d; j++ {
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &itreeNode{size: len(idx)}
	}

	feat := candidates[rng.IntN(len(candidates))]
	split := lo[feat] + rng.Float64()*(hi[feat]-lo[feat])

	var left, right []int
	for _, i := range idx {
		if X[i][feat] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &itreeNode{
		feature: feat,
		split:   split,
		left:    growTree(rng, X, left, depth+1, limit),
		right:   growTree(rng, X, right, depth+1, limit),
		size:    len(idx),
	}
}

func pathLength(n *itreeNode, x []float64) float64 {
	depth := 0.0
	for !n.leaf() {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + averagePathLength(n.size)
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree with n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}
