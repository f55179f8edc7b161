package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/geoinfer-api/internal/data/pgxutil"
	"github.com/target/geoinfer-api/internal/domain/model"
	apperrors "github.com/target/geoinfer-api/internal/errors"
)

// SQLiteJobRepo implements the job store on SQLite for single-node deployments and tests.
type SQLiteJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
	queued       chan struct{}
}

// NewSQLiteJobRepo creates a SQLiteJobRepo over an already migrated database.
func NewSQLiteJobRepo(db *sql.DB, cfg RepoConfig) *SQLiteJobRepo {
	tp, logger := cfg.resolve()
	return &SQLiteJobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger,
		queued:       make(chan struct{}, 1),
	}
}

// Create inserts a new QUEUED job.
func (r *SQLiteJobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, apperrors.Wrap(validateErr, apperrors.ErrCodeValidation, "invalid job")
	}
	inputFiles, err := encodeInputFiles(req.InputFiles)
	if err != nil {
		return nil, err
	}
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (job_id, status, total_files, notification_target, api_key, input_files, created_at, updated_at)
		VALUES (?, 'QUEUED', ?, ?, ?, ?, ?, ?)
		RETURNING `+jobColumns,
		req.ID, req.TotalFiles, nullableString(req.NotificationTarget), nullableString(req.APIKey),
		string(inputFiles), now, now,
	)
	job, err := scanJobFromRow(row)
	if err != nil {
		if apperrors.IsConflict(apperrors.MapDBError(err)) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, req.ID)
		}
		return nil, fmt.Errorf("create job: %w", apperrors.MapDBError(err))
	}
	r.signalQueued()
	return job, nil
}

func (r *SQLiteJobRepo) signalQueued() {
	select {
	case r.queued <- struct{}{}:
	default:
	}
}

// Get retrieves a job by its ID.
func (r *SQLiteJobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// List returns every job, most recently created first.
func (r *SQLiteJobRepo) List(ctx context.Context) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	return scanJobs(rows)
}

// UpdateStatus moves a job to status when the lifecycle allows it.
func (r *SQLiteJobRepo) UpdateStatus(ctx context.Context, id string, status model.JobStatus) (*model.Job, error) {
	if !status.Valid() {
		return nil, apperrors.Validationf("invalid status %q", status)
	}
	from := statusStrings(model.AllowedPredecessors(status))
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(status), string(status), r.timeProvider.Now().UTC(), id}
	for _, s := range from {
		args = append(args, s)
	}
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    progress = CASE WHEN ? = 'COMPLETED' THEN 100 ELSE progress END,
		    updated_at = ?
		WHERE job_id = ? AND status IN (`+placeholders+`)
		RETURNING `+jobColumns, args...)
	return r.scanUpdated(ctx, id, row, "update job status")
}

// UpdateProgress writes a progress snapshot for an active job without letting values regress.
func (r *SQLiteJobRepo) UpdateProgress(ctx context.Context, id string, update model.ProgressUpdate) (*model.Job, error) {
	if err := validateProgress(update); err != nil {
		return nil, err
	}
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET progress = MAX(progress, ?),
		    processed_files = MAX(processed_files, ?),
		    updated_at = ?
		WHERE job_id = ? AND status IN ('QUEUED', 'PROCESSING')
		RETURNING `+jobColumns,
		update.Progress, update.ProcessedFiles, r.timeProvider.Now().UTC(), id,
	)
	return r.scanUpdated(ctx, id, row, "update job progress")
}

// ClaimNext moves the oldest QUEUED job to PROCESSING.
func (r *SQLiteJobRepo) ClaimNext(ctx context.Context) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'PROCESSING', updated_at = ?
		WHERE job_id = (
			SELECT job_id FROM jobs WHERE status = 'QUEUED' ORDER BY created_at ASC, rowid ASC LIMIT 1
		)
		RETURNING `+jobColumns, r.timeProvider.Now().UTC())
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// Complete records the artifact and finishes the job with progress=100.
func (r *SQLiteJobRepo) Complete(ctx context.Context, id string, req model.CompleteJobRequest) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED',
		    progress = 100,
		    artifact_path = ?,
		    artifact_bytes = ?,
		    last_error = NULL,
		    updated_at = ?
		WHERE job_id = ? AND status = 'PROCESSING'
		RETURNING `+jobColumns,
		req.ArtifactPath, req.ArtifactBytes, r.timeProvider.Now().UTC(), id,
	)
	return r.scanUpdated(ctx, id, row, "failed to complete job")
}

// Fail marks a non-terminal job as failed with the given reason.
func (r *SQLiteJobRepo) Fail(ctx context.Context, id, reason string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'FAILED', last_error = ?, updated_at = ?
		WHERE job_id = ? AND status IN ('QUEUED', 'PROCESSING')
		RETURNING `+jobColumns,
		reason, r.timeProvider.Now().UTC(), id,
	)
	return r.scanUpdated(ctx, id, row, "fail job")
}

// RecordWebhookAttempt updates the job's webhook fields and appends the audit row in one transaction.
func (r *SQLiteJobRepo) RecordWebhookAttempt(
	ctx context.Context,
	req model.RecordWebhookAttemptRequest,
) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	job, err := pgxutil.InTx(ctx, r.DB, nil, func(tx *sql.Tx) (*model.Job, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE jobs
			SET webhook_attempts = webhook_attempts + 1,
			    webhook_last_status_code = ?,
			    webhook_last_error = ?,
			    webhook_delivered_at = CASE
			      WHEN ? AND webhook_delivered_at IS NULL THEN ?
			      ELSE webhook_delivered_at
			    END,
			    updated_at = ?
			WHERE job_id = ?
			RETURNING `+jobColumns,
			nullableInt(req.StatusCode), nullableString(req.Error), req.Delivered, now, now, req.JobID,
		)
		j, scanErr := scanJobFromRow(row)
		if scanErr != nil {
			return nil, scanErr
		}
		if _, insErr := tx.ExecContext(ctx, `
			INSERT INTO webhook_attempts (job_id, attempt_number, status_code, error, delivered, attempted_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			j.ID, j.WebhookAttempts, nullableInt(req.StatusCode), nullableString(req.Error), req.Delivered, now,
		); insErr != nil {
			return nil, fmt.Errorf("insert webhook attempt: %w", insErr)
		}
		return j, nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record webhook attempt: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// ListWebhookAttempts returns the audit trail for a job in attempt order.
func (r *SQLiteJobRepo) ListWebhookAttempts(ctx context.Context, id string) ([]model.WebhookAttempt, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_attempts
		WHERE job_id = ?
		ORDER BY attempt_number ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list webhook attempts: %w", apperrors.MapDBError(err))
	}
	return scanAttempts(rows)
}

// WaitForNotification blocks until Create signals a queued job or ctx is done.
func (r *SQLiteJobRepo) WaitForNotification(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.queued:
		return nil
	}
}

func (r *SQLiteJobRepo) scanUpdated(ctx context.Context, id string, row *sql.Row, op string) (*model.Job, error) {
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		r.logger.DebugContext(ctx, "update rejected by job state", "job_id", id, "status", existing.Status, "op", op)
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
	}
	return job, nil
}
