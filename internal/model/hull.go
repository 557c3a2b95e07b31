package model

import "github.com/eelnxz09/anamoly-processing/internal/features"

// HullWeight converts distance outside the training hull into decision
// units, where the training decisions span 1.
const HullWeight = 3.0

// Hull is the per-column [Lo, Hi] box of the scaled training rows. Columns
// marked Upper only count excess above Hi.
type Hull struct {
	Lo    []float64 `json:"lo"`
	Hi    []float64 `json:"hi"`
	Upper []bool    `json:"upper"`
}

// FitHull records the bounding box of scaled rows under schema.
func FitHull(scaled [][]float64, schema features.Schema) *Hull {
	h := &Hull{}
	if len(scaled) == 0 {
		return h
	}
	d := len(scaled[0])
	h.Lo = make([]float64, d)
	h.Hi = make([]float64, d)
	h.Upper = make([]bool, d)
	copy(h.Lo, scaled[0])
	copy(h.Hi, scaled[0])
	for _, r := range scaled[1:] {
		for j, v := range r {
			h.Lo[j] = min(h.Lo[j], v)
			h.Hi[j] = max(h.Hi[j], v)
		}
	}
	for j := range h.Upper {
		h.Upper[j] = j < len(schema.Names) && features.UpperTail(schema.Names[j])
	}
	return h
}

// Excess is the L1 distance from a scaled row to the box. Rows inside the
// box, including every training row, get zero.
func (h *Hull) Excess(z []float64) float64 {
	var total float64
	for j, v := range z {
		if j >= len(h.Hi) {
			break
		}
		if v > h.Hi[j] {
			total += v - h.Hi[j]
		} else if v < h.Lo[j] && !h.Upper[j] {
			total += h.Lo[j] - v
		}
	}
	return total
}
