// Package jobrunner runs queued pipeline jobs on a pool of worker goroutines.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/geoinfer-api/internal/core"
	domainjob "github.com/target/geoinfer-api/internal/domain/job"
	"github.com/target/geoinfer-api/internal/domain/model"
)

// Processor drives a claimed job to a terminal state.
type Processor interface {
	Process(ctx context.Context, job *model.Job) (*model.Job, error)
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs      core.JobRepository // Required
	Processor Processor          // Required: usually *service.Pipeline
	Logger    *slog.Logger

	Workers int // number of worker goroutines; defaults to 1
	// PollInterval bounds how long an idle worker waits for a queue notification
	// before checking again. Defaults to 5s.
	PollInterval time.Duration
	// DrainTimeout is how long in-flight jobs may keep running after Run's context
	// ends. Zero abandons them immediately, leaving them in PROCESSING.
	DrainTimeout time.Duration
	// ErrorBackoff is the pause after a failed claim. Defaults to 1s.
	ErrorBackoff time.Duration

	// Notifier overrides the wakeup source built from Jobs.
	Notifier domainjob.Notifier
}

// Runner claims QUEUED jobs and hands them to the processor.
type Runner struct {
	jobs         core.JobRepository
	processor    Processor
	notifier     domainjob.Notifier
	logger       *slog.Logger
	workers      int
	drainTimeout time.Duration
	errorBackoff time.Duration
}

// NewRunner constructs a job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job repository is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, err := domainjob.NewNotifier(domainjob.NotifierOptions{
			Waiter:       opts.Jobs,
			PollInterval: opts.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
		notifier = n
	}

	return &Runner{
		jobs:         opts.Jobs,
		processor:    opts.Processor,
		notifier:     notifier,
		logger:       logger.With("component", "job_runner"),
		workers:      workers,
		drainTimeout: max(opts.DrainTimeout, 0),
		errorBackoff: backoff,
	}, nil
}

// Run starts the workers and blocks until ctx is done and every in-flight job has
// returned. It always returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "workers", r.workers, "drain_timeout", r.drainTimeout)

	jobCtx, cancelJobs := r.jobContext(ctx)
	defer cancelJobs()

	var listener sync.WaitGroup
	listener.Add(1)
	go func() {
		defer listener.Done()
		r.notifier.Listen(ctx)
	}()

	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, jobCtx, i)
		}()
	}
	wg.Wait()
	listener.Wait()

	r.logger.InfoContext(ctx, "job runner stopped")
	return ctx.Err()
}

// jobContext returns the context jobs run under. It outlives ctx by the drain timeout.
func (r *Runner) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.drainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(r.drainTimeout, cancel)
	})
	return jobCtx, func() {
		stop()
		cancel()
	}
}

func (r *Runner) workerLoop(ctx, jobCtx context.Context, worker int) {
	log := r.logger.With("worker", worker)
	for ctx.Err() == nil {
		wake := r.notifier.Next()
		job, err := r.jobs.ClaimNext(ctx)
		switch {
		case err == nil:
			r.processJob(jobCtx, log, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !waitForWake(ctx, wake) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			log.ErrorContext(ctx, "claim next job", "error", err)
			if !sleep(ctx, r.errorBackoff) {
				return
			}
		}
	}
}

func (r *Runner) processJob(ctx context.Context, log *slog.Logger, job *model.Job) {
	log.DebugContext(ctx, "job claimed", "job_id", job.ID)
	done, err := r.processor.Process(ctx, job)
	if err != nil {
		log.ErrorContext(ctx, "job processing error", "job_id", job.ID, "error", err)
		return
	}
	log.DebugContext(ctx, "job finished", "job_id", done.ID, "status", done.Status)
}

func waitForWake(ctx context.Context, wake <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
