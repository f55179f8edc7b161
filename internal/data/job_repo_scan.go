package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/target/geoinfer-api/internal/domain/model"
)

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	inputFiles                               []byte
	notificationTarget, apiKey, artifactPath sql.NullString
	lastError, webhookLastError              sql.NullString
	webhookLastStatusCode                    sql.NullInt64
	webhookDeliveredAt                       nullTime
	createdAt, updatedAt                     nullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Status,
		&job.TotalFiles,
		&job.ProcessedFiles,
		&job.Progress,
		&d.notificationTarget,
		&d.apiKey,
		&d.inputFiles,
		&d.artifactPath,
		&job.ArtifactBytes,
		&d.lastError,
		&job.WebhookAttempts,
		&d.webhookLastStatusCode,
		&d.webhookLastError,
		&d.webhookDeliveredAt,
		&d.createdAt,
		&d.updatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.NotificationTarget = cloneNullableString(d.notificationTarget)
	job.APIKey = cloneNullableString(d.apiKey)
	job.ArtifactPath = cloneNullableString(d.artifactPath)
	job.LastError = cloneNullableString(d.lastError)
	job.WebhookLastError = cloneNullableString(d.webhookLastError)
	job.WebhookLastStatusCode = cloneNullableInt(d.webhookLastStatusCode)
	job.WebhookDeliveredAt = d.webhookDeliveredAt.ptr()
	job.CreatedAt = d.createdAt.Time
	job.UpdatedAt = d.updatedAt.Time

	job.InputFiles = []string{}
	if len(d.inputFiles) > 0 {
		if err := json.Unmarshal(d.inputFiles, &job.InputFiles); err != nil {
			return fmt.Errorf("decode input_files: %w", err)
		}
	}
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	jobs := make([]*model.Job, 0)
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanAttempts(rows *sql.Rows) ([]model.WebhookAttempt, error) {
	defer rows.Close()
	out := make([]model.WebhookAttempt, 0)
	for rows.Next() {
		var (
			a          model.WebhookAttempt
			statusCode sql.NullInt64
			errText    sql.NullString
			at         nullTime
		)
		if err := rows.Scan(&a.JobID, &a.AttemptNumber, &statusCode, &errText, &a.Delivered, &at); err != nil {
			return nil, fmt.Errorf("scan webhook attempt: %w", err)
		}
		a.StatusCode = cloneNullableInt(statusCode)
		a.Error = cloneNullableString(errText)
		a.AttemptedAt = at.Time
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook attempts: %w", err)
	}
	return out, nil
}

func encodeInputFiles(files []string) ([]byte, error) {
	if files == nil {
		files = []string{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode input_files: %w", err)
	}
	return b, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// sqliteTimeLayouts are the text forms modernc.org/sqlite may hand back for TIMESTAMP values.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// nullTime scans timestamps from both pgx (time.Time) and SQLite (time.Time or text).
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = nullTime{}
		return nil
	case time.Time:
		*n = nullTime{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*n = nullTime{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullableString(s *string) sql.NullString {
	if s == nil || strings.TrimSpace(*s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// prefixedJobColumns qualifies jobColumns with a table alias.
func prefixedJobColumns(alias string) string {
	cols := strings.Split(strings.TrimSpace(jobColumns), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func validateProgress(update model.ProgressUpdate) error {
	if update.Progress < 0 || update.Progress > 100 || update.ProcessedFiles < 0 {
		return ErrInvalidProgress
	}
	return nil
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
