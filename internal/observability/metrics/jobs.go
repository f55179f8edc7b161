// Package metrics emits the pipeline's StatsD metrics with a consistent tag vocabulary.
package metrics

import (
	"maps"
	"strconv"
	"time"

	obserrors "github.com/target/geoinfer-api/internal/observability/errors"
	"github.com/target/geoinfer-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Job transitions.
const (
	TransitionSubmitted = "submitted"
	TransitionStarted   = "started"
	TransitionCompleted = "completed"
	TransitionFailed    = "failed"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Transition string
	Result     string
	Duration   time.Duration
	Files      int
	Err        error
}

// EmitJobLifecycle emits job.transition and, when a duration is known, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		tags["error_class"] = obserrors.Classify(in.Err)
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
	if in.Files > 0 {
		sink.Count("job.files", int64(in.Files), CloneTags(tags))
	}
}

// FileMetric describes the outcome of one inference call.
type FileMetric struct {
	Success  bool
	Duration time.Duration
}

// EmitFileProcessed records a single per-file inference outcome.
func EmitFileProcessed(sink statsd.Sink, in FileMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if !in.Success {
		result = ResultError
	}
	tags := map[string]string{"result": result}
	sink.Count("inference.file", 1, tags)
	if in.Duration > 0 {
		sink.Timing("inference.duration", in.Duration, CloneTags(tags))
	}
}

// WebhookAttemptMetric describes one webhook POST.
type WebhookAttemptMetric struct {
	Attempt    int
	StatusCode int
	Delivered  bool
	ErrorClass string
	Duration   time.Duration
}

// EmitWebhookAttempt records one delivery attempt. ErrorClass should come from the
// engine's bounded classification, never from raw error text.
func EmitWebhookAttempt(sink statsd.Sink, in WebhookAttemptMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"result":  ResultSuccess,
		"attempt": strconv.Itoa(in.Attempt),
	}
	if !in.Delivered {
		tags["result"] = ResultError
		if in.ErrorClass != "" {
			tags["error_class"] = in.ErrorClass
		}
	}
	if in.StatusCode > 0 {
		tags["status_class"] = strconv.Itoa(in.StatusCode/100) + "xx"
	}
	sink.Count("webhook.attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("webhook.attempt.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
