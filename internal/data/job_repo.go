package data

import (
	"database/sql"
	"log/slog"
)

// jobsQueuedChannel is the LISTEN/NOTIFY channel signalled when a job is created.
const jobsQueuedChannel = "jobs_queued"

// RepoConfig holds configuration options for the job repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

func (c RepoConfig) resolve() (TimeProvider, *slog.Logger) {
	tp := c.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return tp, logger.With("component", "job_repo")
}

// JobRepo provides PostgreSQL operations for job management.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp, logger := cfg.resolve()
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger,
	}
}

const jobColumns = `
  job_id,
  status,
  total_files,
  processed_files,
  progress,
  notification_target,
  api_key,
  input_files,
  artifact_path,
  artifact_bytes,
  last_error,
  webhook_attempts,
  webhook_last_status_code,
  webhook_last_error,
  webhook_delivered_at,
  created_at,
  updated_at
`

const attemptColumns = `job_id, attempt_number, status_code, error, delivered, attempted_at`
