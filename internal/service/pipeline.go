package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/geoinfer-api/internal/core"
	"github.com/target/geoinfer-api/internal/domain/model"
	obserrors "github.com/target/geoinfer-api/internal/observability/errors"
	"github.com/target/geoinfer-api/internal/observability/metrics"
	"github.com/target/geoinfer-api/internal/observability/notify"
	"github.com/target/geoinfer-api/internal/observability/statsd"
	"github.com/target/geoinfer-api/internal/service/failurenotifier"
)

const (
	// processingProgressCap keeps an active job below 100; only Complete writes 100.
	processingProgressCap  = 99
	defaultWebhookGuardTTL = 24 * time.Hour
)

// PipelineOptions groups dependencies for Pipeline.
type PipelineOptions struct {
	Repo       core.JobRepository // Required: job store
	Inferencer core.Inferencer    // Required: per-file detector
	Converter  core.Converter     // Required: results -> COCO document
	Artifacts  core.ArtifactStore // Required: artifact persistence

	Webhooks        core.WebhookSender       // Optional: notification delivery
	Cache           core.CacheRepository     // Optional: once-per-event webhook guard shared across replicas
	FailureNotifier *failurenotifier.Service // Optional: on-call fan-out for failed jobs
	Metrics         statsd.Sink              // Optional
	Logger          *slog.Logger             // Optional
	FileConcurrency int                      // Files inferred in parallel per job; defaults to 1
	NotifyOnFailure bool                     // Send processing_failed webhooks
	WebhookGuardTTL time.Duration            // Lifetime of the once-guard key; defaults to 24h
	Now             func() time.Time         // Optional clock
}

// Pipeline drives one job through inference, conversion, persistence and notification.
// All state lives in the job store; Pipeline holds nothing between jobs.
type Pipeline struct {
	repo            core.JobRepository
	inferencer      core.Inferencer
	converter       core.Converter
	artifacts       core.ArtifactStore
	webhooks        core.WebhookSender
	cache           core.CacheRepository
	failureNotifier *failurenotifier.Service
	metrics         statsd.Sink
	logger          *slog.Logger
	fileConcurrency int
	notifyOnFailure bool
	guardTTL        time.Duration
	now             func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	switch {
	case opts.Repo == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Inferencer == nil:
		return nil, errors.New("Inferencer is required")
	case opts.Converter == nil:
		return nil, errors.New("Converter is required")
	case opts.Artifacts == nil:
		return nil, errors.New("ArtifactStore is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.WebhookGuardTTL
	if ttl <= 0 {
		ttl = defaultWebhookGuardTTL
	}

	return &Pipeline{
		repo:            opts.Repo,
		inferencer:      opts.Inferencer,
		converter:       opts.Converter,
		artifacts:       opts.Artifacts,
		webhooks:        opts.Webhooks,
		cache:           opts.Cache,
		failureNotifier: opts.FailureNotifier,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "pipeline"),
		fileConcurrency: max(opts.FileConcurrency, 1),
		notifyOnFailure: opts.NotifyOnFailure,
		guardTTL:        ttl,
		now:             now,
	}, nil
}

// MustNewPipeline constructs a Pipeline and panics on error.
func MustNewPipeline(opts PipelineOptions) *Pipeline {
	p, err := NewPipeline(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create Pipeline: %v", err))
	}
	return p
}

// Run moves a QUEUED job to PROCESSING and processes it.
func (p *Pipeline) Run(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := p.repo.UpdateStatus(ctx, jobID, model.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}
	return p.Process(ctx, job)
}

// Process runs a PROCESSING job to COMPLETED or FAILED and returns the terminal snapshot.
//
// Per-file inference failures are absorbed. Conversion and artifact failures fail the job.
// An error is returned only when the outcome could not be recorded, including when ctx
// ends mid-run; the job is then left in PROCESSING.
func (p *Pipeline) Process(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	start := p.now()
	log := p.logger.With("job_id", job.ID)
	log.InfoContext(ctx, "job processing started", "total_files", job.TotalFiles)
	metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
		Transition: metrics.TransitionStarted,
		Result:     metrics.ResultSuccess,
		Files:      job.TotalFiles,
	})

	successes, err := p.infer(ctx, job)
	if err != nil {
		return p.abandonOrFail(ctx, job, failure{stage: notify.StageStore, err: err, start: start})
	}

	doc, err := p.converter.Convert(successes)
	if err != nil {
		return p.abandonOrFail(ctx, job, failure{
			stage: notify.StageConversion, err: fmt.Errorf("convert results: %w", err),
			successes: len(successes), start: start,
		})
	}

	location := p.artifacts.Location(job.ID)
	size, err := p.artifacts.Save(ctx, doc, location)
	if err != nil {
		return p.abandonOrFail(ctx, job, failure{
			stage: notify.StageArtifact, err: fmt.Errorf("save artifact: %w", err),
			successes: len(successes), start: start,
		})
	}

	done, err := p.repo.Complete(ctx, job.ID, model.CompleteJobRequest{
		ArtifactPath:  location,
		ArtifactBytes: size,
	})
	if err != nil {
		return p.abandonOrFail(ctx, job, failure{
			stage: notify.StageStore, err: fmt.Errorf("complete job: %w", err),
			successes: len(successes), start: start,
		})
	}

	log.InfoContext(ctx, "job completed",
		"processed_files", done.ProcessedFiles,
		"successful_files", len(successes),
		"artifact", location,
		"artifact_bytes", size,
		"duration", p.now().Sub(start),
	)
	metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
		Transition: metrics.TransitionCompleted,
		Result:     metrics.ResultSuccess,
		Duration:   p.now().Sub(start),
		Files:      len(successes),
	})

	p.sendWebhook(ctx, done, len(successes), false)
	return done, nil
}

// infer runs every input file through the inferencer and returns the successes in
// input order. processed_files counts every attempted file, success or not.
func (p *Pipeline) infer(ctx context.Context, job *model.Job) ([]model.InferenceSuccess, error) {
	files := job.InputFiles
	results := make([]model.InferenceResult, len(files))
	var processed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fileConcurrency)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fileStart := p.now()
			res := p.inferencer.Process(gctx, file)
			if res == nil {
				res = model.InferenceFailure{File: file, Err: errors.New("inferencer returned no result")}
			}
			results[i] = res

			ok, failed := model.SplitResults([]model.InferenceResult{res})
			metrics.EmitFileProcessed(p.metrics, metrics.FileMetric{Success: len(ok) == 1, Duration: p.now().Sub(fileStart)})
			if len(ok) == 0 {
				reason := "unrecognized inference result"
				if len(failed) == 1 {
					reason = failed[0].Error()
				}
				p.logger.WarnContext(gctx, "file inference failed; skipping",
					"job_id", job.ID, "file", file, "error", reason)
			}

			n := int(processed.Add(1))
			update := model.ProgressUpdate{
				ProcessedFiles: n,
				Progress:       min(model.ComputeProgress(n, job.TotalFiles), processingProgressCap),
			}
			if _, err := p.repo.UpdateProgress(gctx, job.ID, update); err != nil {
				return fmt.Errorf("update progress: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	successes, _ := model.SplitResults(results)
	return successes, nil
}

type failure struct {
	stage     string
	err       error
	successes int
	start     time.Time
}

func (p *Pipeline) abandonOrFail(ctx context.Context, job *model.Job, f failure) (*model.Job, error) {
	if ctx.Err() != nil {
		p.logger.WarnContext(ctx, "job abandoned mid-flight",
			"job_id", job.ID, "stage", f.stage, "error", f.err)
		return nil, fmt.Errorf("job %s abandoned: %w", job.ID, f.err)
	}

	reason := f.err.Error()
	failed, err := p.repo.Fail(ctx, job.ID, reason)
	if err != nil {
		return nil, errors.Join(f.err, fmt.Errorf("fail job %s: %w", job.ID, err))
	}

	errorClass := obserrors.Classify(f.err)
	p.logger.ErrorContext(ctx, "job failed",
		"job_id", job.ID, "stage", f.stage, "error", reason, "error_class", errorClass)
	metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
		Transition: metrics.TransitionFailed,
		Result:     metrics.ResultError,
		Duration:   p.now().Sub(f.start),
		Err:        f.err,
	})

	p.failureNotifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:          failed.ID,
		Stage:          f.stage,
		Error:          reason,
		ErrorClass:     errorClass,
		TotalFiles:     failed.TotalFiles,
		ProcessedFiles: failed.ProcessedFiles,
		OccurredAt:     p.now(),
	})

	if p.notifyOnFailure {
		p.sendWebhook(ctx, failed, f.successes, true)
	}
	return failed, nil
}

// sendWebhook invokes the delivery engine at most once per terminal event.
func (p *Pipeline) sendWebhook(ctx context.Context, job *model.Job, successes int, failed bool) {
	if p.webhooks == nil || !job.HasNotificationTarget() {
		return
	}
	event := model.WebhookEventCompleted
	if failed {
		event = model.WebhookEventFailed
	}
	if !p.claimWebhook(ctx, job.ID, event) {
		return
	}

	req := model.WebhookSendRequest{
		TargetURL:      *job.NotificationTarget,
		JobID:          job.ID,
		TotalFiles:     job.TotalFiles,
		ProcessedFiles: successes,
		APIKey:         job.APIKey,
		Failed:         failed,
	}
	if job.ArtifactPath != nil {
		req.ArtifactRef = *job.ArtifactPath
	}

	delivered := p.webhooks.Send(ctx, req)
	p.logger.InfoContext(ctx, "webhook delivery finished",
		"job_id", job.ID, "event", event, "delivered", delivered)
}

// claimWebhook takes the once-guard for a job event. Without a cache, or when the
// cache errors, delivery proceeds.
func (p *Pipeline) claimWebhook(ctx context.Context, jobID, event string) bool {
	if p.cache == nil {
		return true
	}
	key := "webhook:" + event + ":" + jobID
	ok, err := p.cache.SetIfNotExists(ctx, key, []byte(p.now().UTC().Format(time.RFC3339Nano)), p.guardTTL)
	if err != nil {
		p.logger.WarnContext(ctx, "webhook guard unavailable; sending anyway", "job_id", jobID, "error", err)
		return true
	}
	if !ok {
		p.logger.InfoContext(ctx, "webhook already sent for job event; skipping", "job_id", jobID, "event", event)
	}
	return ok
}
