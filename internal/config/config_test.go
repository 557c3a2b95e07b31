package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		ReferenceTZ:          "UTC",
		DefaultContamination: 0.1,
		DefaultVariant:       "isolation",
		FeedPollInterval:     30 * time.Second,
		FeedCycleTimeout:     20 * time.Second,
		Tuning:               DefaultTuning(),
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultContamination, cfg.DefaultContamination)
	assert.Equal(t, int64(DefaultModelSeed), cfg.ModelSeed)
	assert.Equal(t, DefaultFeedPollInterval, cfg.FeedPollInterval)
	assert.Equal(t, DefaultLowMax, cfg.Tuning.LowMax)
	assert.Equal(t, DefaultHighMax, cfg.Tuning.HighMax)
	assert.True(t, cfg.FeedAutoScore)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "DEFAULT_CONTAMINATION", "0.05")
	setEnv(t, "DEFAULT_VARIANT", "ensemble")
	setEnv(t, "FEED_POLL_INTERVAL", "1m")
	setEnv(t, "FEED_AUTO_SCORE", "false")
	setEnv(t, "REFERENCE_TZ", "America/New_York")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.05, cfg.DefaultContamination)
	assert.Equal(t, "ensemble", cfg.DefaultVariant)
	assert.Equal(t, time.Minute, cfg.FeedPollInterval)
	assert.False(t, cfg.FeedAutoScore)
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestLoad_InvalidContamination(t *testing.T) {
	setEnv(t, "DEFAULT_CONTAMINATION", "0.7")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_CONTAMINATION")
}

func TestLoad_TuningFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("anomaly_boost: 10\nhigh_max: 90\ntrees: 50\n"), 0o600))
	setEnv(t, "TUNING_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.Tuning.AnomalyBoost)
	assert.Equal(t, 90.0, cfg.Tuning.HighMax)
	assert.Equal(t, 50, cfg.Tuning.Trees)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultLowMax, cfg.Tuning.LowMax)
	assert.Equal(t, DefaultIsolationWeight, cfg.Tuning.IsolationWeight)
}

func TestLoad_TuningFileMissing(t *testing.T) {
	setEnv(t, "TUNING_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read tuning file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "zero contamination",
			mutate:  func(c *Config) { c.DefaultContamination = 0 },
			wantErr: "DEFAULT_CONTAMINATION",
		},
		{
			name:    "contamination upper bound is inclusive",
			mutate:  func(c *Config) { c.DefaultContamination = 0.5 },
			wantErr: "",
		},
		{
			name:    "unknown variant",
			mutate:  func(c *Config) { c.DefaultVariant = "forest" },
			wantErr: "DEFAULT_VARIANT",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.ReferenceTZ = "Mars/Olympus" },
			wantErr: "REFERENCE_TZ",
		},
		{
			name:    "cycle timeout longer than interval",
			mutate:  func(c *Config) { c.FeedCycleTimeout = time.Minute },
			wantErr: "FEED_CYCLE_TIMEOUT",
		},
		{
			name:    "thresholds out of order",
			mutate:  func(c *Config) { c.Tuning.MediumMax = 20 },
			wantErr: "thresholds",
		},
		{
			name: "zero weights",
			mutate: func(c *Config) {
				c.Tuning.IsolationWeight = 0
				c.Tuning.BoundaryWeight = 0
			},
			wantErr: "ensemble weights",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_FLOAT", "0.25")
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_BOOL", "yes")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 1.5, getEnvFloat("TEST_INVALID", 1.5))
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))

	setEnv(t, "TEST_LIST", " https://a.example, ,https://b.example ")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"*"}, getEnvList("NONEXISTENT_VAR", []string{"*"}))
}

func TestLoad_FeedPrivateHostsFollowEnv(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.FeedAllowPrivate, "development allows loopback feeds")

	setEnv(t, "ENV", "production")
	cfg, err = Load()
	require.NoError(t, err)
	assert.False(t, cfg.FeedAllowPrivate)

	setEnv(t, "FEED_ALLOW_PRIVATE_HOSTS", "true")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.FeedAllowPrivate)
}
