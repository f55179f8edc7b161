//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import "time"

// Webhook event names.
const (
	WebhookEventCompleted = "processing_completed"
	WebhookEventFailed    = "processing_failed"
	WebhookEventTest      = "test_webhook"
)

// WebhookAttempt is one immutable row of the delivery audit trail.
type WebhookAttempt struct {
	JobID         string    `json:"job_id"                db:"job_id"`
	AttemptNumber int       `json:"attempt_number"        db:"attempt_number"`
	StatusCode    *int      `json:"status_code,omitempty" db:"status_code"`
	Error         *string   `json:"error,omitempty"       db:"error"`
	Delivered     bool      `json:"delivered"             db:"delivered"`
	AttemptedAt   time.Time `json:"attempted_at"          db:"attempted_at"`
}

// RecordWebhookAttemptRequest carries the outcome of a single delivery attempt.
// StatusCode is nil on network-level failures; Error is nil on success.
type RecordWebhookAttemptRequest struct {
	JobID      string
	StatusCode *int
	Error      *string
	Delivered  bool
}

// WebhookPayload is the exact document POSTed to a notification target.
type WebhookPayload struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Summary   WebhookSummary  `json:"summary"`
	Results   WebhookResults  `json:"results"`
	Metadata  WebhookMetadata `json:"metadata"`
}

// WebhookSummary describes how much of the batch was processed.
type WebhookSummary struct {
	TotalFilesUploaded         int     `json:"total_files_uploaded"`
	FilesSuccessfullyProcessed int     `json:"files_successfully_processed"`
	SuccessRatePercentage      float64 `json:"success_rate_percentage"`
	ProcessingTimestamp        string  `json:"processing_timestamp"`
}

// WebhookResults locates the output artifact.
// StoragePath is only present when the artifact was also copied to object storage.
type WebhookResults struct {
	COCOFormatFile string `json:"coco_format_file"`
	FileSizeBytes  int64  `json:"file_size_bytes"`
	DownloadURL    string `json:"download_url"`
	StoragePath    string `json:"gcs_path,omitempty"`
}

// WebhookMetadata identifies the model and formats that produced the artifact.
type WebhookMetadata struct {
	ModelVersion     string `json:"model_version"`
	PipelineVersion  string `json:"pipeline_version"`
	GeospatialFormat string `json:"geospatial_format"`
	OutputFormat     string `json:"output_format"`
}

// WebhookTestPayload is sent by the test-webhook endpoint and CLI.
type WebhookTestPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

// WebhookSendRequest is the input to one delivery.
// ArtifactStorageRef, when set, is reported as the results' gcs_path.
type WebhookSendRequest struct {
	TargetURL          string
	JobID              string
	ArtifactRef        string
	TotalFiles         int
	ProcessedFiles     int
	ArtifactStorageRef *string
	APIKey             *string
	// Failed switches the event to processing_failed with status "failed".
	Failed bool
}
