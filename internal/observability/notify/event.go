// Package notify defines the job failure event fanned out to on-call sinks.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Pipeline stages a failure can be attributed to.
const (
	StageInference  = "inference"
	StageConversion = "conversion"
	StageArtifact   = "artifact"
	StageStore      = "store"
)

// JobFailurePayload captures the canonical data we emit when a pipeline job fails.
type JobFailurePayload struct {
	JobID          string
	Stage          string
	Error          string
	ErrorClass     string
	Severity       string
	TotalFiles     int
	ProcessedFiles int
	OccurredAt     time.Time
	Metadata       map[string]string
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements the Sink interface.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
