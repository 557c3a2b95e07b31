// Package risk turns raw model scores into a 0–100 fraud-risk value, a
// discrete tier and a confidence.
//
// Raw scores follow the decision-function convention: higher means more
// normal. Risk is the linear rescale 100·(max−raw)/(max−min) against the
// active score range, clamped to [0, 100]. Transactions the model flags as
// outliers get an additive boost (capped at 100). Tiers are half-open
// intervals: Low [0,30), Medium [30,60), High [60,85), Critical [85,100].
package risk

import (
	"errors"
	"strings"
)

// Level is a discrete risk tier.
type Level string

const (
	LevelLow      Level = "Low"
	LevelMedium   Level = "Medium"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// Levels lists the tiers from least to most risky.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// ParseLevel matches a tier name case-insensitively.
func ParseLevel(s string) (Level, bool) {
	for _, l := range Levels {
		if strings.EqualFold(s, string(l)) {
			return l, true
		}
	}
	return "", false
}

// Default breakpoints and boost.
const (
	DefaultLowMax    = 30.0
	DefaultMediumMax = 60.0
	DefaultHighMax   = 85.0
	DefaultBoost     = 15.0
)

var ErrInvalidConfig = errors.New("risk: invalid tier configuration")

// Config holds the tier breakpoints and outlier boost.
type Config struct {
	LowMax    float64 // Low is [0, LowMax)
	MediumMax float64 // Medium is [LowMax, MediumMax)
	HighMax   float64 // High is [MediumMax, HighMax); Critical is [HighMax, 100]
	Boost     float64 // added to flagged outliers
}

// DefaultConfig returns the standard breakpoints 30/60/85 with a +15 boost.
func DefaultConfig() Config {
	return Config{
		LowMax:    DefaultLowMax,
		MediumMax: DefaultMediumMax,
		HighMax:   DefaultHighMax,
		Boost:     DefaultBoost,
	}
}

// Validate checks 0 < low < medium < high < 100 and 0 <= boost <= 100.
func (c Config) Validate() error {
	if !(0 < c.LowMax && c.LowMax < c.MediumMax && c.MediumMax < c.HighMax && c.HighMax < 100) {
		return ErrInvalidConfig
	}
	if c.Boost < 0 || c.Boost > 100 {
		return ErrInvalidConfig
	}
	return nil
}

// Tier maps a risk score to its level.
func (c Config) Tier(score float64) Level {
	switch {
	case score < c.LowMax:
		return LevelLow
	case score < c.MediumMax:
		return LevelMedium
	case score < c.HighMax:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Confidence is how far score sits from the nearest internal breakpoint,
// scaled to [0, 100]. Edge tiers (Low, Critical) measure against their full
// width, interior tiers against their half-width, so the center of an
// interior tier and the outer end of an edge tier both reach 100.
func (c Config) Confidence(score float64) float64 {
	score = clamp(score)

	var dist, ref float64
	switch c.Tier(score) {
	case LevelLow:
		dist, ref = c.LowMax-score, c.LowMax
	case LevelMedium:
		dist = min(score-c.LowMax, c.MediumMax-score)
		ref = (c.MediumMax - c.LowMax) / 2
	case LevelHigh:
		dist = min(score-c.MediumMax, c.HighMax-score)
		ref = (c.HighMax - c.MediumMax) / 2
	default:
		dist, ref = score-c.HighMax, 100-c.HighMax
	}
	if ref <= 0 {
		return 100
	}
	return 100 * min(1, dist/ref)
}

// Assessment is the normalized outcome for one transaction.
type Assessment struct {
	RawScore   float64 `json:"raw_score"`
	RiskScore  float64 `json:"risk_score"`
	Level      Level   `json:"risk_level"`
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"`
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
