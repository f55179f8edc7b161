package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/geoinfer-api/internal/domain/model"
	apperrors "github.com/target/geoinfer-api/internal/errors"
)

// recordAttemptSQL bumps the counter, snapshots the outcome, sets the delivered marker at most
// once, and appends the audit row, all in one statement.
var recordAttemptSQL = `
  WITH upd AS (
    UPDATE jobs
    SET webhook_attempts = webhook_attempts + 1,
        webhook_last_status_code = $2::integer,
        webhook_last_error = $3::text,
        webhook_delivered_at = CASE
          WHEN $4::boolean AND webhook_delivered_at IS NULL THEN $5::timestamptz
          ELSE webhook_delivered_at
        END,
        updated_at = $5::timestamptz
    WHERE job_id = $1
    RETURNING ` + jobColumns + `
  ), ins AS (
    INSERT INTO webhook_attempts (job_id, attempt_number, status_code, error, delivered, attempted_at)
    SELECT job_id, webhook_attempts, $2::integer, $3::text, $4::boolean, $5::timestamptz FROM upd
  )
  SELECT ` + jobColumns + ` FROM upd`

// RecordWebhookAttempt stores the outcome of one delivery attempt.
func (r *JobRepo) RecordWebhookAttempt(
	ctx context.Context,
	req model.RecordWebhookAttemptRequest,
) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, recordAttemptSQL,
		req.JobID, nullableInt(req.StatusCode), nullableString(req.Error), req.Delivered, now,
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record webhook attempt: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// ListWebhookAttempts returns the audit trail for a job in attempt order.
func (r *JobRepo) ListWebhookAttempts(ctx context.Context, id string) ([]model.WebhookAttempt, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_attempts
		WHERE job_id = $1
		ORDER BY attempt_number ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list webhook attempts: %w", apperrors.MapDBError(err))
	}
	return scanAttempts(rows)
}
