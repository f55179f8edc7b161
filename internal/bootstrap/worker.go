package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/geoinfer-api/internal/adapters/jobrunner"
	"github.com/target/geoinfer-api/internal/core"
)

// WorkerConfig contains configuration for the job worker pool.
type WorkerConfig struct {
	Jobs         core.JobRepository
	Processor    jobrunner.Processor
	Logger       *slog.Logger
	Workers      int
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// RunWorker claims queued jobs and runs them through the pipeline until ctx ends.
// A cancelled context is a normal stop and yields nil.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:         cfg.Jobs,
		Processor:    cfg.Processor,
		Logger:       cfg.Logger,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		DrainTimeout: cfg.DrainTimeout,
	})
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
