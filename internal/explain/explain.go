// Package explain turns a scored transaction's feature vector into
// percentile-based reasons.
package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/eelnxz09/anamoly-processing/internal/features"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
)

// Basis names the distribution a percentile was computed against.
type Basis string

const (
	BasisUser       Basis = "user"
	BasisPopulation Basis = "population"
)

const (
	DefaultMinUserHistory = 3
	DefaultLowPercentile  = 10
	DefaultHighPercentile = 90
	DefaultMaxReasons     = 3

	reasonCombined   = "No single feature deviates strongly; combined pattern is unusual"
	reasonConsistent = "Transaction is consistent with historical behavior"
)

// Config tunes the explainer.
type Config struct {
	MinUserHistory int
	LowPercentile  float64
	HighPercentile float64
	MaxReasons     int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinUserHistory: DefaultMinUserHistory,
		LowPercentile:  DefaultLowPercentile,
		HighPercentile: DefaultHighPercentile,
		MaxReasons:     DefaultMaxReasons,
	}
}

// FeatureDetail is one feature's position in its reference distribution.
type FeatureDetail struct {
	Value      float64 `json:"value"`
	Percentile float64 `json:"percentile"`
	Basis      Basis   `json:"basis"`
}

// Explanation is the response for one transaction.
type Explanation struct {
	TransactionID    string                   `json:"transaction_id"`
	RiskScore        float64                  `json:"risk_score"`
	RiskLevel        risk.Level               `json:"risk_level"`
	Confidence       float64                  `json:"confidence"`
	IsAnomaly        bool                     `json:"is_anomaly"`
	ModelVersion     int64                    `json:"model_version"`
	Basis            Basis                    `json:"basis"`
	TopReasons       []string                 `json:"top_reasons"`
	UnusualFeatures  map[string]FeatureDetail `json:"unusual_features"`
	FeaturesAnalyzed int                      `json:"features_analyzed"`
}

// Input is everything needed to explain one transaction.
type Input struct {
	TransactionID string
	Assessment    risk.Assessment
	ModelVersion  int64
	Schema        features.Schema
	Vector        []float64
	// UserHistory holds the feature vectors of the user's strictly earlier
	// transactions.
	UserHistory [][]float64
	// Population is the model's training matrix.
	Population [][]float64
}

// Explainer computes explanations.
type Explainer struct {
	cfg Config
}

// New creates an explainer. Zero fields take defaults.
func New(cfg Config) *Explainer {
	d := DefaultConfig()
	if cfg.MinUserHistory <= 0 {
		cfg.MinUserHistory = d.MinUserHistory
	}
	if cfg.HighPercentile <= cfg.LowPercentile || cfg.HighPercentile <= 0 {
		cfg.LowPercentile, cfg.HighPercentile = d.LowPercentile, d.HighPercentile
	}
	if cfg.MaxReasons <= 0 {
		cfg.MaxReasons = d.MaxReasons
	}
	return &Explainer{cfg: cfg}
}

type ranked struct {
	idx  int
	name string
	d    FeatureDetail
}

// Explain never fails: features without a reference distribution are
// skipped.
func (e *Explainer) Explain(in Input) *Explanation {
	basis := BasisPopulation
	ref := in.Population
	if len(in.UserHistory) >= e.cfg.MinUserHistory {
		basis, ref = BasisUser, in.UserHistory
	}

	out := &Explanation{
		TransactionID:   in.TransactionID,
		RiskScore:       in.Assessment.RiskScore,
		RiskLevel:       in.Assessment.Level,
		Confidence:      in.Assessment.Confidence,
		IsAnomaly:       in.Assessment.IsAnomaly,
		ModelVersion:    in.ModelVersion,
		Basis:           basis,
		UnusualFeatures: make(map[string]FeatureDetail),
	}

	var unusual []ranked
	for j, name := range in.Schema.Names {
		if j >= len(in.Vector) {
			break
		}
		// User-relative features are meaningless against other users.
		if basis == BasisPopulation && features.UserRelative(name) {
			continue
		}
		dist := column(ref, j)
		if len(dist) == 0 {
			continue
		}
		out.FeaturesAnalyzed++
		p := Percentile(dist, in.Vector[j])
		if p < e.cfg.LowPercentile || p > e.cfg.HighPercentile {
			d := FeatureDetail{Value: in.Vector[j], Percentile: p, Basis: basis}
			out.UnusualFeatures[name] = d
			unusual = append(unusual, ranked{idx: j, name: name, d: d})
		}
	}

	sort.SliceStable(unusual, func(a, b int) bool {
		return math.Abs(unusual[a].d.Percentile-50) > math.Abs(unusual[b].d.Percentile-50)
	})
	for i, u := range unusual {
		if i >= e.cfg.MaxReasons {
			break
		}
		out.TopReasons = append(out.TopReasons, reason(u.name, u.d))
	}
	if len(out.TopReasons) == 0 {
		if in.Assessment.IsAnomaly {
			out.TopReasons = []string{reasonCombined}
		} else {
			out.TopReasons = []string{reasonConsistent}
		}
	}
	return out
}

func reason(name string, d FeatureDetail) string {
	whose := "all transactions"
	if d.Basis == BasisUser {
		whose = "this user's transactions"
	}
	label := strings.ReplaceAll(name, "_", " ")
	if d.Percentile >= 50 {
		return fmt.Sprintf("%s is higher than %.0f%% of %s", label, math.Floor(d.Percentile), whose)
	}
	return fmt.Sprintf("%s is lower than %.0f%% of %s", label, math.Floor(100-d.Percentile), whose)
}

// Percentile is the midrank percentile of v within values:
// (count below + ½ count equal) / n × 100.
func Percentile(values []float64, v float64) float64 {
	if len(values) == 0 {
		return 50
	}
	var below, equal float64
	for _, x := range values {
		switch {
		case x < v:
			below++
		case x == v:
			equal++
		}
	}
	return (below + equal/2) / float64(len(values)) * 100
}

func column(rows [][]float64, j int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if j < len(r) {
			out = append(out, r[j])
		}
	}
	return out
}
