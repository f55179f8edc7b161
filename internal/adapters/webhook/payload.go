package webhook

import (
	"math"
	"strings"
	"time"

	"github.com/target/geoinfer-api/internal/domain/model"
)

// BuildPayload assembles the notification document for a finished job.
func (e *Engine) BuildPayload(req model.WebhookSendRequest) model.WebhookPayload {
	ts := e.now().UTC().Format(time.RFC3339Nano)

	event, status := model.WebhookEventCompleted, "completed"
	if req.Failed {
		event, status = model.WebhookEventFailed, "failed"
	}

	results := model.WebhookResults{COCOFormatFile: req.ArtifactRef}
	// A failed job never wrote an artifact to download.
	if !req.Failed {
		results.DownloadURL = e.DownloadURL(req.JobID)
	}
	if req.ArtifactRef != "" {
		results.FileSizeBytes = e.artifactSize(req.ArtifactRef)
	}
	if req.ArtifactStorageRef != nil {
		results.StoragePath = *req.ArtifactStorageRef
	}

	return model.WebhookPayload{
		Event:     event,
		Timestamp: ts,
		JobID:     req.JobID,
		Status:    status,
		Summary: model.WebhookSummary{
			TotalFilesUploaded:         req.TotalFiles,
			FilesSuccessfullyProcessed: req.ProcessedFiles,
			SuccessRatePercentage:      SuccessRate(req.ProcessedFiles, req.TotalFiles),
			ProcessingTimestamp:        ts,
		},
		Results: results,
		Metadata: model.WebhookMetadata{
			ModelVersion:     e.cfg.ModelVersion,
			PipelineVersion:  e.cfg.PipelineVersion,
			GeospatialFormat: e.cfg.GeospatialFormat,
			OutputFormat:     e.cfg.OutputFormat,
		},
	}
}

// DownloadURL is where clients fetch a job's COCO document.
func (e *Engine) DownloadURL(jobID string) string {
	return strings.TrimRight(e.cfg.BaseURL, "/") + "/results/" + jobID + "_coco_results.json"
}

// SuccessRate returns processed/total*100 rounded to two decimals, or 0 when total is 0.
func SuccessRate(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(processed)/float64(total)*100*100) / 100
}
