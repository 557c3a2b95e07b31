package risk

import (
	"errors"
	"math"
	"sync"
)

// ErrStaleVersion is returned by AssessFor when a newer model version has
// already claimed the normalizer.
var ErrStaleVersion = errors.New("risk: model version superseded")

// Range is the running [Min, Max] of raw scores seen under one model version.
type Range struct {
	Min, Max float64
	set      bool
}

// Observe widens the range to include every finite value in raws.
func (r *Range) Observe(raws ...float64) {
	for _, v := range raws {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !r.set {
			r.Min, r.Max, r.set = v, v, true
			continue
		}
		r.Min = min(r.Min, v)
		r.Max = max(r.Max, v)
	}
}

// Empty reports whether nothing has been observed.
func (r Range) Empty() bool { return !r.set }

// Normalize maps raw onto [0, 100] with higher raw giving lower risk.
// A degenerate range (max == min) maps everything to 0.
func (r Range) Normalize(raw float64) float64 {
	if !r.set || r.Max == r.Min {
		return 0
	}
	return clamp(100 * (r.Max - raw) / (r.Max - r.Min))
}

// Normalizer converts raw scores into assessments. Its range is seeded from
// the training scores of the active model and widened by every scored
// batch, so earlier scores stay comparable within a model version.
type Normalizer struct {
	cfg Config

	mu      sync.Mutex
	rng     Range
	version int64
}

// NewNormalizer creates a normalizer. An invalid cfg falls back to defaults.
func NewNormalizer(cfg Config) *Normalizer {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Normalizer{cfg: cfg}
}

// Config returns the tier configuration.
func (n *Normalizer) Config() Config { return n.cfg }

// Reset starts a new range for a model version, seeded with its training
// raw scores. Calls for the current or an older version are ignored, so a
// range already widened under a version is never rewound.
func (n *Normalizer) Reset(version int64, trainingRaw []float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset(version, trainingRaw)
}

func (n *Normalizer) reset(version int64, trainingRaw []float64) {
	if version <= n.version {
		return
	}
	n.version = version
	n.rng = Range{}
	n.rng.Observe(trainingRaw...)
}

// Range returns a snapshot of the current range and its model version.
func (n *Normalizer) Range() (Range, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng, n.version
}

// Assess normalizes a batch. raws and outliers are parallel slices. The
// range is widened by the batch before any score is computed, so within a
// batch lower raw always means equal or higher risk.
func (n *Normalizer) Assess(raws []float64, outliers []bool) []Assessment {
	n.mu.Lock()
	n.rng.Observe(raws...)
	rng := n.rng
	n.mu.Unlock()

	out := make([]Assessment, len(raws))
	for i, raw := range raws {
		flagged := i < len(outliers) && outliers[i]
		out[i] = n.assessOne(rng, raw, flagged)
	}
	return out
}

// AssessFor is Assess for a batch scored by model version. The version check,
// the reset to a newer version and the widening happen under one lock, so a
// concurrent Reset cannot slip between them. A version older than the
// current one yields ErrStaleVersion and leaves the range untouched.
func (n *Normalizer) AssessFor(version int64, trainingRaw, raws []float64, outliers []bool) ([]Assessment, error) {
	n.mu.Lock()
	if version < n.version {
		n.mu.Unlock()
		return nil, ErrStaleVersion
	}
	n.reset(version, trainingRaw)
	n.rng.Observe(raws...)
	rng := n.rng
	n.mu.Unlock()

	out := make([]Assessment, len(raws))
	for i, raw := range raws {
		out[i] = n.assessOne(rng, raw, i < len(outliers) && outliers[i])
	}
	return out, nil
}

func (n *Normalizer) assessOne(rng Range, raw float64, flagged bool) Assessment {
	score := rng.Normalize(raw)
	if flagged {
		score = min(100, score+n.cfg.Boost)
	}
	return Assessment{
		RawScore:   raw,
		RiskScore:  score,
		Level:      n.cfg.Tier(score),
		IsAnomaly:  flagged,
		Confidence: n.cfg.Confidence(score),
	}
}
