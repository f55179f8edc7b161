// Package core defines the ports between the geoinfer pipeline services and their adapters.
package core

import (
	"context"
	"io"

	"github.com/target/geoinfer-api/internal/domain/model"
)

// JobRepository is the durable job store. Every mutation is a single atomic statement
// (or one transaction) and is committed before the call returns.
type JobRepository interface {
	// Create inserts a QUEUED job. Returns data.ErrDuplicateJob if the id exists.
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// Get returns a job snapshot or data.ErrJobNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)
	// UpdateStatus moves a job to status if the state machine allows it.
	UpdateStatus(ctx context.Context, id string, status model.JobStatus) (*model.Job, error)
	// UpdateProgress writes progress and processed_files. Values never regress.
	UpdateProgress(ctx context.Context, id string, update model.ProgressUpdate) (*model.Job, error)
	// RecordWebhookAttempt increments webhook_attempts, overwrites the last outcome, and sets
	// webhook_delivered_at only when delivered and still unset.
	RecordWebhookAttempt(ctx context.Context, req model.RecordWebhookAttemptRequest) (*model.Job, error)
	// List returns all jobs, most recent first.
	List(ctx context.Context) ([]*model.Job, error)

	// ClaimNext atomically moves the oldest QUEUED job to PROCESSING.
	// Returns model.ErrNoJobsAvailable when the queue is empty.
	ClaimNext(ctx context.Context) (*model.Job, error)
	// Complete stores the artifact reference and sets progress=100 and COMPLETED together.
	Complete(ctx context.Context, id string, req model.CompleteJobRequest) (*model.Job, error)
	// Fail moves a non-terminal job to FAILED with a reason.
	Fail(ctx context.Context, id, reason string) (*model.Job, error)
	// ListWebhookAttempts returns the delivery audit trail for a job, oldest first.
	ListWebhookAttempts(ctx context.Context, id string) ([]model.WebhookAttempt, error)
	// WaitForNotification blocks until a job is queued or ctx is done.
	WaitForNotification(ctx context.Context) error
}

// Inferencer runs the detection model over one file. It never returns an error;
// failures are carried as model.InferenceFailure.
type Inferencer interface {
	Process(ctx context.Context, file string) model.InferenceResult
}

// Converter turns successful inference results into the output document.
type Converter interface {
	Convert(results []model.InferenceSuccess) (*model.COCODocument, error)
}

// ArtifactStore persists converted documents.
type ArtifactStore interface {
	// Save writes doc to location and returns the number of bytes written.
	Save(ctx context.Context, doc *model.COCODocument, location string) (int64, error)
	// Open returns a reader for a previously saved artifact.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Size returns the artifact size, or 0 if it cannot be read.
	Size(location string) int64
	// Location derives the artifact location for a job.
	Location(jobID string) string
}

// WebhookSender delivers a completion or failure notification for a job.
type WebhookSender interface {
	Send(ctx context.Context, req model.WebhookSendRequest) bool
}
