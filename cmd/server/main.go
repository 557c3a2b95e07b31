// Anomaly processing - transaction anomaly scoring service
package main

import (
	"context"
	"os"

	"github.com/eelnxz09/anamoly-processing/internal/config"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config says otherwise
	logger := logging.New("info", "text")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting anomaly-processing",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"reference_tz", cfg.ReferenceTZ,
		"default_variant", cfg.DefaultVariant,
		"default_contamination", cfg.DefaultContamination,
		"retrain_schedule", cfg.RetrainSchedule,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
