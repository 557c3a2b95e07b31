package model

import (
	"context"
	"math"
)

const (
	svmTolerance   = 1e-3
	svmTau         = 1e-12
	svmCheckEvery  = 1000
	svmMinIters    = 10000
	svmItersPerRow = 100
)

// OneClassSVM learns a boundary around the bulk of the data with an RBF
// kernel. Nu bounds the share of training rows left outside it.
type OneClassSVM struct {
	Nu      float64
	Gamma   float64 // 0 means 1/n_features
	MaxRows int     // training rows are sampled down to this
	Seed    int64

	sv    [][]float64
	alpha []float64
	rho   float64
	gamma float64
}

// Fit solves the one-class dual with a maximal-violating-pair SMO:
//
//	min ½ αᵀQα  s.t.  0 ≤ αᵢ ≤ 1, Σαᵢ = ν·l
func (s *OneClassSVM) Fit(ctx context.Context, X [][]float64) error {
	if len(X) == 0 {
		return ErrInsufficientData
	}
	X = s.sample(X)
	l := len(X)

	s.gamma = s.Gamma
	if s.gamma <= 0 {
		s.gamma = 1 / float64(len(X[0]))
	}

	alpha := make([]float64, l)
	total := s.Nu * float64(l)
	full := int(total)
	for i := 0; i < full && i < l; i++ {
		alpha[i] = 1
	}
	if full < l {
		alpha[full] = total - float64(full)
	}

	k := &kernelCache{X: X, gamma: s.gamma, rows: make(map[int][]float64)}
	grad := make([]float64, l)
	for i, a := range alpha {
		if a == 0 {
			continue
		}
		row := k.row(i)
		for t := range grad {
			grad[t] += a * row[t]
		}
	}

	maxIter := max(svmMinIters, svmItersPerRow*l)
	for iter := 0; iter < maxIter; iter++ {
		if iter%svmCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		i, j := -1, -1
		gmax, gmin := math.Inf(-1), math.Inf(1)
		for t := 0; t < l; t++ {
			if alpha[t] < 1 && -grad[t] >= gmax {
				gmax, i = -grad[t], t
			}
			if alpha[t] > 0 && -grad[t] <= gmin {
				gmin, j = -grad[t], t
			}
		}
		if i < 0 || j < 0 || gmax-gmin < svmTolerance {
			break
		}

		qi, qj := k.row(i), k.row(j)
		eta := qi[i] + qj[j] - 2*qi[j]
		if eta <= 0 {
			eta = svmTau
		}
		delta := (grad[j] - grad[i]) / eta
		delta = math.Min(delta, math.Min(1-alpha[i], alpha[j]))
		if delta <= 0 {
			break
		}
		alpha[i] += delta
		alpha[j] -= delta
		for t := range grad {
			grad[t] += delta * (qi[t] - qj[t])
		}
	}

	s.rho = computeRho(alpha, grad)
	s.sv = s.sv[:0]
	s.alpha = s.alpha[:0]
	for i, a := range alpha {
		if a > svmTau {
			s.sv = append(s.sv, X[i])
			s.alpha = append(s.alpha, a)
		}
	}
	return nil
}

// Decision is log(Σ αᵢ K(svᵢ, x)) − log ρ. It has the sign of the usual
// Σ αᵢ K(svᵢ, x) − ρ but keeps falling with distance where the kernel sum
// underflows, so far points do not all collapse onto −ρ.
func (s *OneClassSVM) Decision(X [][]float64) []float64 {
	out := make([]float64, len(X))
	terms := make([]float64, len(s.sv))
	for i, x := range X {
		if s.rho <= 0 {
			var sum float64
			for k, v := range s.sv {
				sum += s.alpha[k] * rbf(v, x, s.gamma)
			}
			out[i] = sum - s.rho
			continue
		}
		for k, v := range s.sv {
			terms[k] = math.Log(s.alpha[k]) - s.gamma*sqDist(v, x)
		}
		out[i] = logSumExp(terms) - math.Log(s.rho)
	}
	return out
}

func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	hi := xs[0]
	for _, x := range xs[1:] {
		hi = math.Max(hi, x)
	}
	if math.IsInf(hi, -1) {
		return hi
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - hi)
	}
	return hi + math.Log(sum)
}

func (s *OneClassSVM) sample(X [][]float64) [][]float64 {
	if s.MaxRows <= 0 || len(X) <= s.MaxRows {
		return X
	}
	rng := newRNG(s.Seed)
	idx := rng.Perm(len(X))[:s.MaxRows]
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = X[j]
	}
	return out
}

// computeRho averages the gradient over free variables, falling back to
// the midpoint of the bound-derived interval.
func computeRho(alpha, grad []float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sum float64
	free := 0
	for i, a := range alpha {
		switch {
		case a >= 1:
			lb = math.Max(lb, grad[i])
		case a <= 0:
			ub = math.Min(ub, grad[i])
		default:
			free++
			sum += grad[i]
		}
	}
	switch {
	case free > 0:
		return sum / float64(free)
	case math.IsInf(ub, 1):
		return lb
	case math.IsInf(lb, -1):
		return ub
	}
	return (ub + lb) / 2
}

type kernelCache struct {
	X     [][]float64
	gamma float64
	rows  map[int][]float64
}

func (k *kernelCache) row(i int) []float64 {
	if r, ok := k.rows[i]; ok {
		return r
	}
	r := make([]float64, len(k.X))
	for t, x := range k.X {
		r[t] = rbf(k.X[i], x, k.gamma)
	}
	k.rows[i] = r
	return r
}

func rbf(a, b []float64, gamma float64) float64 {
	return math.Exp(-gamma * sqDist(a, b))
}

func sqDist(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}
