package model

import (
	"math"
	"slices"
)

// RobustScaler centers each column on its median and scales by its
// interquartile range, then compresses with a signed log so that values far
// outside the bulk stay ordered without swamping every distance. A zero IQR
// falls back to the standard deviation, then to 1.
type RobustScaler struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
}

// FitRobustScaler learns per-column medians and IQRs.
func FitRobustScaler(X [][]float64) *RobustScaler {
	if len(X) == 0 {
		return &RobustScaler{}
	}
	d := len(X[0])
	s := &RobustScaler{Center: make([]float64, d), Scale: make([]float64, d)}
	col := make([]float64, len(X))
	for j := 0; j < d; j++ {
		for i, r := range X {
			col[i] = r[j]
		}
		sorted := slices.Clone(col)
		slices.Sort(sorted)
		s.Center[j] = quantile(sorted, 0.5)
		scale := quantile(sorted, 0.75) - quantile(sorted, 0.25)
		if scale == 0 || math.IsNaN(scale) {
			scale = stddev(sorted)
		}
		if scale == 0 || math.IsNaN(scale) {
			scale = 1
		}
		s.Scale[j] = scale
	}
	return s
}

// Transform returns scaled copies of X.
func (s *RobustScaler) Transform(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, r := range X {
		row := make([]float64, len(r))
		for j, v := range r {
			if j < len(s.Center) {
				v = (v - s.Center[j]) / s.Scale[j]
			}
			row[j] = math.Copysign(math.Log1p(math.Abs(v)), v)
		}
		out[i] = row
	}
	return out
}

// quantile of a sorted slice with linear interpolation between closest
// ranks; q in [0, 1].
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)))
}
