// Package scheduler runs periodic background jobs: model retraining and
// explanation-cache sweeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/pipeline"
)

// DefaultRunTimeout bounds a single retrain-and-rescore pass.
const DefaultRunTimeout = 30 * time.Minute

// Retrainer is the subset of the pipeline service a retrain job drives.
type Retrainer interface {
	Train(ctx context.Context, req pipeline.TrainRequest) (*pipeline.TrainResult, error)
	ScoreAll(ctx context.Context) (*pipeline.ScoreResult, error)
}

// Sweeper drops expired entries from an in-process cache.
type Sweeper interface {
	Sweep() int
}

// Scheduler owns a cron instance with at most one retrain job and one sweep job.
type Scheduler struct {
	cron      *cron.Cron
	retrainer Retrainer
	timeout   time.Duration
	logger    *slog.Logger

	runs     atomic.Int64
	failures atomic.Int64
}

// New builds a scheduler. An empty schedule disables retraining; a
// malformed one is an error.
func New(schedule string, r Retrainer, logger *slog.Logger) (*Scheduler, error) {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		retrainer: r,
		timeout:   DefaultRunTimeout,
		logger:    logger,
	}

	if schedule == "" {
		return s, nil
	}
	if r == nil {
		return nil, errors.New("scheduler: retrain schedule set without a retrainer")
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	logger.Info("retrain scheduled", "schedule", schedule)
	return s, nil
}

// SetTimeout overrides DefaultRunTimeout.
func (s *Scheduler) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// AddSweep registers a cache sweep on the given schedule.
func (s *Scheduler) AddSweep(schedule string, sw Sweeper) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if n := sw.Sweep(); n > 0 {
			s.logger.Debug("cache sweep", "evicted", n)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running job to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with a job still running")
	}
}

// Stats returns run counters.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"runs":     s.runs.Load(),
		"failures": s.failures.Load(),
	}
}

// RunOnce retrains with the service defaults and rescores the warehouse.
// Errors are logged, never returned; a failed train keeps the current model.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Error("panic in scheduled retrain", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	trained, err := s.retrainer.Train(ctx, pipeline.TrainRequest{})
	if err != nil {
		if errors.Is(err, ingest.ErrInsufficientData) {
			s.logger.Info("scheduled retrain skipped", "reason", err)
			return
		}
		s.failures.Add(1)
		s.logger.Error("scheduled retrain failed", "error", err)
		return
	}

	scored, err := s.retrainer.ScoreAll(ctx)
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("scheduled rescore failed", "model_version", trained.ModelVersion, "error", err)
		return
	}

	s.logger.Info("scheduled retrain complete",
		"model_version", trained.ModelVersion,
		"samples", trained.TrainingSampleCount,
		"scored", scored.Scored,
		"anomalies", scored.AnomaliesDetected,
	)
}
