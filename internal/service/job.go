package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/geoinfer-api/internal/core"
	"github.com/target/geoinfer-api/internal/domain/model"
	apperrors "github.com/target/geoinfer-api/internal/errors"
	"github.com/target/geoinfer-api/internal/observability/metrics"
	"github.com/target/geoinfer-api/internal/observability/statsd"
)

const defaultIdempotencyTTL = 24 * time.Hour

// ErrIdempotencyInFlight is returned when another request holding the same
// Idempotency-Key has not created its job yet.
var ErrIdempotencyInFlight = apperrors.Conflict("a request with this Idempotency-Key is still in progress")

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo           core.JobRepository   // Required: job repository
	Cache          core.CacheRepository // Optional: enables Idempotency-Key handling
	IdempotencyTTL time.Duration        // Optional: defaults to 24h
	Query          QueryEvaluator       // Optional: defaults to JMESPath
	Metrics        statsd.Sink          // Optional
	Logger         *slog.Logger         // Optional: structured logger
	NewID          func() string        // Optional: defaults to uuid.NewString
}

// JobService accepts batches and answers job queries.
type JobService struct {
	repo   core.JobRepository
	cache  core.CacheRepository
	ttl    time.Duration
	query  QueryEvaluator
	sink   statsd.Sink
	logger *slog.Logger
	newID  func() string
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	query := opts.Query
	if query == nil {
		query = jmespathEvaluator{}
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobService{
		repo:   opts.Repo,
		cache:  opts.Cache,
		ttl:    ttl,
		query:  query,
		sink:   opts.Metrics,
		logger: logger.With("component", "job_service"),
		newID:  newID,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// NewJobID returns a fresh job identifier. Callers use it to name uploads before Submit.
func (s *JobService) NewJobID() string {
	return s.newID()
}

// SubmitRequest describes an accepted batch whose files are already stored.
type SubmitRequest struct {
	JobID              string
	InputFiles         []string
	NotificationTarget *string
	APIKey             *string
	IdempotencyKey     string
}

// SubmitResult reports the job a submission resolved to.
// Created is false when an earlier request with the same Idempotency-Key owns the job.
type SubmitResult struct {
	Job     *model.Job
	Created bool
}

// Submit records a QUEUED job for req. With an Idempotency-Key, a repeated request
// within the TTL resolves to the original job instead of creating a new one.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.NotificationTarget != nil && strings.TrimSpace(*req.NotificationTarget) != "" {
		if err := ValidateNotificationTarget(*req.NotificationTarget); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(req.JobID) == "" {
		req.JobID = s.newID()
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" && s.cache != nil {
		existing, claimed, err := s.claimIdempotencyKey(ctx, key, req.JobID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return &SubmitResult{Job: existing}, nil
		}
	}

	job, err := s.repo.Create(ctx, &model.CreateJobRequest{
		ID:                 req.JobID,
		TotalFiles:         len(req.InputFiles),
		NotificationTarget: req.NotificationTarget,
		APIKey:             req.APIKey,
		InputFiles:         req.InputFiles,
	})
	if err != nil {
		if key != "" && s.cache != nil {
			s.releaseIdempotencyKey(ctx, key)
		}
		metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
			Transition: metrics.TransitionSubmitted,
			Result:     metrics.ResultError,
			Err:        err,
		})
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.InfoContext(ctx, "job submitted",
		"job_id", job.ID,
		"total_files", job.TotalFiles,
		"has_notification_target", job.HasNotificationTarget(),
	)
	metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
		Transition: metrics.TransitionSubmitted,
		Result:     metrics.ResultSuccess,
		Files:      job.TotalFiles,
	})
	return &SubmitResult{Job: job, Created: true}, nil
}

// FindByIdempotencyKey returns the job an Idempotency-Key resolved to, or nil when the
// key is unknown or idempotency is disabled.
func (s *JobService) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.cache == nil {
		return nil, nil
	}
	raw, err := s.cache.Get(ctx, idempotencyCacheKey(key))
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}
	job, err := s.repo.Get(ctx, string(raw))
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, ErrIdempotencyInFlight
		}
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return job, nil
}

func (s *JobService) claimIdempotencyKey(ctx context.Context, key, jobID string) (*model.Job, bool, error) {
	ok, err := s.cache.SetIfNotExists(ctx, idempotencyCacheKey(key), []byte(jobID), s.ttl)
	if err != nil {
		// Without the cache the request is still served, only without dedupe.
		s.logger.WarnContext(ctx, "idempotency cache unavailable", "error", err)
		return nil, true, nil
	}
	if ok {
		return nil, true, nil
	}
	existing, err := s.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Key expired between the two calls.
		return nil, true, nil
	}
	s.logger.InfoContext(ctx, "idempotent replay", "job_id", existing.ID)
	return existing, false, nil
}

func (s *JobService) releaseIdempotencyKey(ctx context.Context, key string) {
	if _, err := s.cache.Delete(ctx, idempotencyCacheKey(key)); err != nil {
		s.logger.WarnContext(ctx, "release idempotency key", "error", err)
	}
}

func idempotencyCacheKey(key string) string {
	return "idempotency:" + key
}

// Get returns a job by its ID.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns every job, most recent first.
func (s *JobService) List(ctx context.Context) ([]*model.Job, error) {
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Query lists jobs and projects them through a JMESPath expression.
// An empty expression returns the list unchanged.
func (s *JobService) Query(ctx context.Context, expr string) (any, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(expr) == "" {
		return jobs, nil
	}
	return project(s.query, expr, jobs)
}

// Attempts returns the webhook delivery audit trail for a job.
func (s *JobService) Attempts(ctx context.Context, id string) ([]model.WebhookAttempt, error) {
	attempts, err := s.repo.ListWebhookAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list webhook attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// ResultLocation returns where a completed job's artifact is stored.
// Jobs that have not completed yield a not-found error.
func (s *JobService) ResultLocation(ctx context.Context, id string) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != model.JobStatusCompleted || job.ArtifactPath == nil {
		return "", apperrors.NotFoundf("results for job %s are not available (status %s)", id, job.Status)
	}
	return *job.ArtifactPath, nil
}
