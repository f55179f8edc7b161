// Package model defines the core data types and structures used throughout the geoinfer job pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be processed.
	JobStatusQueued JobStatus = "QUEUED"
	// JobStatusProcessing indicates a job's files are being run through inference.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusCompleted indicates a job has finished and its artifact is persisted.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates a pipeline stage failed for the job.
	JobStatusFailed JobStatus = "FAILED"
)

// ErrNoJobsAvailable is returned when no queued jobs are available to claim.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler so statuses parse case-insensitively.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Re-asserting the current non-terminal status is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	switch s {
	case JobStatusQueued:
		return next != JobStatusCompleted
	case JobStatusProcessing:
		return next != JobStatusQueued
	default:
		return false
	}
}

// AllowedPredecessors lists the statuses from which next may be entered.
func AllowedPredecessors(next JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Job is the persisted record of one uploaded batch.
type Job struct {
	ID                    string     `json:"job_id"                             db:"job_id"`
	Status                JobStatus  `json:"status"                             db:"status"`
	TotalFiles            int        `json:"total_files"                        db:"total_files"`
	ProcessedFiles        int        `json:"processed_files"                    db:"processed_files"`
	Progress              int        `json:"progress"                           db:"progress"`
	NotificationTarget    *string    `json:"notification_target,omitempty"      db:"notification_target"`
	APIKey                *string    `json:"-"                                  db:"api_key"`
	InputFiles            []string   `json:"input_files"                        db:"input_files"`
	ArtifactPath          *string    `json:"artifact_path,omitempty"            db:"artifact_path"`
	ArtifactBytes         int64      `json:"artifact_bytes"                     db:"artifact_bytes"`
	LastError             *string    `json:"last_error,omitempty"               db:"last_error"`
	WebhookAttempts       int        `json:"webhook_attempts"                   db:"webhook_attempts"`
	WebhookLastStatusCode *int       `json:"webhook_last_status_code,omitempty" db:"webhook_last_status_code"`
	WebhookLastError      *string    `json:"webhook_last_error,omitempty"       db:"webhook_last_error"`
	WebhookDeliveredAt    *time.Time `json:"webhook_delivered_at,omitempty"     db:"webhook_delivered_at"`
	CreatedAt             time.Time  `json:"created_at"                         db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"                         db:"updated_at"`
}

// HasNotificationTarget reports whether a webhook should be sent for the job.
func (j *Job) HasNotificationTarget() bool {
	return j.NotificationTarget != nil && strings.TrimSpace(*j.NotificationTarget) != ""
}

// CreateJobRequest represents a request to create a new job record.
type CreateJobRequest struct {
	ID                 string   `json:"job_id"`
	TotalFiles         int      `json:"total_files"`
	NotificationTarget *string  `json:"notification_target,omitempty"`
	APIKey             *string  `json:"-"`
	InputFiles         []string `json:"input_files,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("job id is required")
	}
	if r.TotalFiles < 0 {
		return errors.New("total files must be >= 0")
	}
	if len(r.InputFiles) > 0 && len(r.InputFiles) != r.TotalFiles {
		return errors.New("input files must match total files")
	}
	return nil
}

// ProgressUpdate is a snapshot written after each file is attempted.
type ProgressUpdate struct {
	Progress       int
	ProcessedFiles int
}

// ComputeProgress returns floor(processed*100/total), clamped to [0, 100].
// A job with no files reports 0 until it completes.
func ComputeProgress(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return processed * 100 / total
}

// JobSubmitResponse is returned to the client when a batch is accepted.
type JobSubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CompleteJobRequest records the persisted artifact for a finished job.
type CompleteJobRequest struct {
	ArtifactPath  string
	ArtifactBytes int64
}
