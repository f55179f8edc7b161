package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/geoinfer-api/internal/data/pgxutil"
	"github.com/target/geoinfer-api/internal/domain/model"
	apperrors "github.com/target/geoinfer-api/internal/errors"
)

// SQL used by ClaimNext to atomically move the oldest queued job to PROCESSING.
var claimNextUpdateSQL = `
  WITH cte AS (
    SELECT job_id FROM jobs
    WHERE status = 'QUEUED'
    ORDER BY created_at ASC, job_id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'PROCESSING',
    updated_at = $1
  FROM cte
  WHERE j.job_id = cte.job_id
  RETURNING ` + prefixedJobColumns("j")

// Create inserts a new QUEUED job and notifies listeners in the same transaction.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
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
	job, txErr := pgxutil.InPgxTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) (*model.Job, error) {
		rows, qerr := tx.Query(ctx, `
			INSERT INTO jobs (job_id, status, total_files, notification_target, api_key, input_files, created_at, updated_at)
			VALUES ($1, 'QUEUED', $2, $3, $4, $5, $6, $6)
			RETURNING `+jobColumns,
			req.ID, req.TotalFiles, nullableString(req.NotificationTarget), nullableString(req.APIKey),
			inputFiles, now,
		)
		if qerr != nil {
			return nil, qerr
		}
		j, cerr := collectJobFromRows(rows)
		rows.Close()
		if cerr != nil {
			return nil, cerr
		}
		if _, nerr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobsQueuedChannel, j.ID); nerr != nil {
			return nil, fmt.Errorf("send job notification: %w", nerr)
		}
		return j, nil
	})
	if txErr != nil {
		if apperrors.IsConflict(apperrors.MapDBError(txErr)) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, req.ID)
		}
		return nil, fmt.Errorf("create job: %w", apperrors.MapDBError(txErr))
	}
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

// Get retrieves a job by its ID.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
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
func (r *JobRepo) List(ctx context.Context) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	return scanJobs(rows)
}

// UpdateStatus moves a job to status when the lifecycle allows it.
// Entering COMPLETED also sets progress to 100 in the same statement.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status model.JobStatus) (*model.Job, error) {
	if !status.Valid() {
		return nil, apperrors.Validationf("invalid status %q", status)
	}
	from := statusStrings(model.AllowedPredecessors(status))
	now := r.timeProvider.Now().UTC()

	job, err := pgxutil.OnConn(ctx, r.DB, func(conn *pgx.Conn) (*model.Job, error) {
		rows, qerr := conn.Query(ctx, `
			UPDATE jobs
			SET status = $2,
			    progress = CASE WHEN $2 = 'COMPLETED' THEN 100 ELSE progress END,
			    updated_at = $3
			WHERE job_id = $1 AND status = ANY($4::text[])
			RETURNING `+jobColumns,
			id, string(status), now, from,
		)
		if qerr != nil {
			return nil, qerr
		}
		defer rows.Close()
		return collectJobFromRows(rows)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.explainNoRows(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// UpdateProgress writes a progress snapshot for an active job. Concurrent writers may
// arrive out of order, so stored values only move forward.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, update model.ProgressUpdate) (*model.Job, error) {
	if err := validateProgress(update); err != nil {
		return nil, err
	}
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
		    processed_files = GREATEST(processed_files, $3),
		    updated_at = $4
		WHERE job_id = $1 AND status IN ('QUEUED', 'PROCESSING')
		RETURNING `+jobColumns,
		id, update.Progress, update.ProcessedFiles, now,
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainNoRows(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update job progress: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// ClaimNext reserves the oldest QUEUED job for processing.
func (r *JobRepo) ClaimNext(ctx context.Context) (*model.Job, error) {
	return pgxutil.InPgxTx(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
		func(tx pgx.Tx) (*model.Job, error) {
			rows, qerr := tx.Query(ctx, claimNextUpdateSQL, r.timeProvider.Now().UTC())
			if qerr != nil {
				return nil, fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()
			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return nil, model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return nil, fmt.Errorf("claim job: %w", cerr)
			}
			return j, nil
		})
}

// Complete records the artifact and finishes the job with progress=100.
func (r *JobRepo) Complete(ctx context.Context, id string, req model.CompleteJobRequest) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED',
		    progress = 100,
		    artifact_path = $2,
		    artifact_bytes = $3,
		    last_error = NULL,
		    updated_at = $4
		WHERE job_id = $1 AND status = 'PROCESSING'
		RETURNING `+jobColumns,
		id, req.ArtifactPath, req.ArtifactBytes, now,
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainNoRows(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// Fail marks a non-terminal job as failed with the given reason.
func (r *JobRepo) Fail(ctx context.Context, id, reason string) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'FAILED',
		    last_error = $2,
		    updated_at = $3
		WHERE job_id = $1 AND status IN ('QUEUED', 'PROCESSING')
		RETURNING `+jobColumns,
		id, reason, now,
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainNoRows(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// explainNoRows distinguishes a missing job from one whose state rejected the update.
func (r *JobRepo) explainNoRows(ctx context.Context, id string) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
}

// WaitForNotification waits for a PostgreSQL notification indicating a job was queued.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	_, err := pgxutil.OnConn(ctx, r.DB, func(conn *pgx.Conn) (struct{}, error) {
		quoted := pgx.Identifier{jobsQueuedChannel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return struct{}{}, fmt.Errorf("listen %s: %w", jobsQueuedChannel, err)
		}
		defer func() { _, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+quoted) }()

		_, err := conn.WaitForNotification(ctx)
		return struct{}{}, err
	})
	return err
}
