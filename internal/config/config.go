// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata" // REFERENCE_TZ must resolve in minimal containers

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Backing services (all optional, in-memory fallbacks)
	DatabaseURL  string
	RedisURL     string
	OTLPEndpoint string

	// Feature derivation
	ReferenceTZ string // hour/day-of-week are computed in this zone

	// Model defaults
	ModelSeed            int64
	DefaultContamination float64
	DefaultVariant       string // "isolation", "boundary", "ensemble"

	// Live feed
	FeedPollInterval time.Duration
	FeedCycleTimeout time.Duration
	FeedAutoScore    bool
	// FeedAllowPrivate permits loopback and private feed endpoints.
	FeedAllowPrivate bool

	// Scheduled retrain, cron syntax. Empty disables.
	RetrainSchedule string

	// HTTP limits
	MaxUploadBytes  int64
	RateLimitRPS    int
	ExplainCacheTTL time.Duration
	CORSOrigins     []string

	// Optional YAML tuning file
	TuningFile string
	Tuning     Tuning
}

// Tuning holds scoring constants that operators may override from a YAML file.
type Tuning struct {
	LowMax           float64 `yaml:"low_max"`
	MediumMax        float64 `yaml:"medium_max"`
	HighMax          float64 `yaml:"high_max"`
	AnomalyBoost     float64 `yaml:"anomaly_boost"`
	IsolationWeight  float64 `yaml:"isolation_weight"`
	BoundaryWeight   float64 `yaml:"boundary_weight"`
	Trees            int     `yaml:"trees"`
	BoundaryMaxRows  int     `yaml:"boundary_max_rows"`
	MinUserHistory   int     `yaml:"min_user_history"`
	UnusualLowPctl   float64 `yaml:"unusual_low_percentile"`
	UnusualHighPctl  float64 `yaml:"unusual_high_percentile"`
	MaxExplainReason int     `yaml:"max_reasons"`
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultReferenceTZ          = "UTC"
	DefaultModelSeed            = 42
	DefaultContamination        = 0.1
	DefaultVariant              = "isolation"
	DefaultFeedPollInterval     = 30 * time.Second
	DefaultFeedCycleTimeout     = 20 * time.Second
	DefaultMaxUploadBytes       = 32 << 20
	DefaultRateLimit            = 100
	DefaultExplainCacheTTL      = time.Hour
	DefaultLowMax               = 30.0
	DefaultMediumMax            = 60.0
	DefaultHighMax              = 85.0
	DefaultAnomalyBoost         = 15.0
	DefaultIsolationWeight      = 0.6
	DefaultBoundaryWeight       = 0.4
	DefaultTrees                = 200
	DefaultBoundaryMaxRows      = 2000
	DefaultMinUserHistory       = 3
	DefaultUnusualLowPctl       = 10.0
	DefaultUnusualHighPctl      = 90.0
	DefaultMaxExplanationReason = 3
)

// DefaultTuning returns the built-in scoring constants.
func DefaultTuning() Tuning {
	return Tuning{
		LowMax:           DefaultLowMax,
		MediumMax:        DefaultMediumMax,
		HighMax:          DefaultHighMax,
		AnomalyBoost:     DefaultAnomalyBoost,
		IsolationWeight:  DefaultIsolationWeight,
		BoundaryWeight:   DefaultBoundaryWeight,
		Trees:            DefaultTrees,
		BoundaryMaxRows:  DefaultBoundaryMaxRows,
		MinUserHistory:   DefaultMinUserHistory,
		UnusualLowPctl:   DefaultUnusualLowPctl,
		UnusualHighPctl:  DefaultUnusualHighPctl,
		MaxExplainReason: DefaultMaxExplanationReason,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  env,
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReferenceTZ:          getEnv("REFERENCE_TZ", DefaultReferenceTZ),
		ModelSeed:            getEnvInt64("MODEL_SEED", DefaultModelSeed),
		DefaultContamination: getEnvFloat("DEFAULT_CONTAMINATION", DefaultContamination),
		DefaultVariant:       getEnv("DEFAULT_VARIANT", DefaultVariant),
		FeedPollInterval:     getEnvDuration("FEED_POLL_INTERVAL", DefaultFeedPollInterval),
		FeedCycleTimeout:     getEnvDuration("FEED_CYCLE_TIMEOUT", DefaultFeedCycleTimeout),
		FeedAutoScore:        getEnvBool("FEED_AUTO_SCORE", true),
		FeedAllowPrivate:     getEnvBool("FEED_ALLOW_PRIVATE_HOSTS", env != "production"),
		RetrainSchedule:      os.Getenv("RETRAIN_SCHEDULE"),
		MaxUploadBytes:       getEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		ExplainCacheTTL:      getEnvDuration("EXPLAIN_CACHE_TTL", DefaultExplainCacheTTL),
		CORSOrigins:          getEnvList("CORS_ORIGINS", []string{"*"}),
		TuningFile:           os.Getenv("TUNING_FILE"),
		Tuning:               DefaultTuning(),
	}

	if cfg.TuningFile != "" {
		if err := cfg.loadTuning(cfg.TuningFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadTuning overlays non-zero values from a YAML file onto the defaults.
func (c *Config) loadTuning(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse tuning file: %w", err)
	}
	c.Tuning = mergeTuning(c.Tuning, t)
	return nil
}

func mergeTuning(base, over Tuning) Tuning {
	pickF := func(b, o float64) float64 {
		if o != 0 {
			return o
		}
		return b
	}
	pickI := func(b, o int) int {
		if o != 0 {
			return o
		}
		return b
	}
	return Tuning{
		LowMax:           pickF(base.LowMax, over.LowMax),
		MediumMax:        pickF(base.MediumMax, over.MediumMax),
		HighMax:          pickF(base.HighMax, over.HighMax),
		AnomalyBoost:     pickF(base.AnomalyBoost, over.AnomalyBoost),
		IsolationWeight:  pickF(base.IsolationWeight, over.IsolationWeight),
		BoundaryWeight:   pickF(base.BoundaryWeight, over.BoundaryWeight),
		Trees:            pickI(base.Trees, over.Trees),
		BoundaryMaxRows:  pickI(base.BoundaryMaxRows, over.BoundaryMaxRows),
		MinUserHistory:   pickI(base.MinUserHistory, over.MinUserHistory),
		UnusualLowPctl:   pickF(base.UnusualLowPctl, over.UnusualLowPctl),
		UnusualHighPctl:  pickF(base.UnusualHighPctl, over.UnusualHighPctl),
		MaxExplainReason: pickI(base.MaxExplainReason, over.MaxExplainReason),
	}
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.DefaultContamination <= 0 || c.DefaultContamination > 0.5 {
		return fmt.Errorf("DEFAULT_CONTAMINATION must be in (0, 0.5], got %v", c.DefaultContamination)
	}

	switch c.DefaultVariant {
	case "isolation", "boundary", "ensemble":
	default:
		return fmt.Errorf("DEFAULT_VARIANT must be one of isolation, boundary, ensemble")
	}

	if _, err := time.LoadLocation(c.ReferenceTZ); err != nil {
		return fmt.Errorf("REFERENCE_TZ %q: %w", c.ReferenceTZ, err)
	}

	if c.FeedPollInterval <= 0 {
		return fmt.Errorf("FEED_POLL_INTERVAL must be positive")
	}
	if c.FeedCycleTimeout <= 0 || c.FeedCycleTimeout > c.FeedPollInterval {
		return fmt.Errorf("FEED_CYCLE_TIMEOUT must be positive and no longer than FEED_POLL_INTERVAL")
	}

	t := c.Tuning
	if !(0 < t.LowMax && t.LowMax < t.MediumMax && t.MediumMax < t.HighMax && t.HighMax < 100) {
		return fmt.Errorf("risk tier thresholds must satisfy 0 < low < medium < high < 100")
	}
	if t.AnomalyBoost < 0 || t.AnomalyBoost > 100 {
		return fmt.Errorf("anomaly boost must be in [0, 100]")
	}
	if t.IsolationWeight < 0 || t.BoundaryWeight < 0 || t.IsolationWeight+t.BoundaryWeight == 0 {
		return fmt.Errorf("ensemble weights must be non-negative and not both zero")
	}
	if t.UnusualLowPctl >= t.UnusualHighPctl {
		return fmt.Errorf("unusual percentile band is empty")
	}

	return nil
}

// Location returns the reference timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ReferenceTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
