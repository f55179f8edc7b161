// Package pagerduty triggers PagerDuty incidents for failed pipeline jobs.
package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/target/geoinfer-api/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	// Endpoint overrides APIEndpoint.
	Endpoint   string
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client publishes trigger events via the Events API v2.
type Client struct {
	endpoint   string
	routingKey string
	source     string
	component  string
	poster     *notify.Poster
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component"`
	Group         string         `json:"group,omitempty"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	return &Client{
		endpoint:   notify.Fallback(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
		routingKey: key,
		source:     notify.Fallback(strings.TrimSpace(cfg.Source), "geoinfer-api"),
		component:  notify.Fallback(strings.TrimSpace(cfg.Component), "pipeline"),
		poster:     notify.NewPoster("pagerduty", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}, nil
}

// SendJobFailure submits a trigger event. Repeated failures of one job share a dedup key.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.poster.PostJSON(ctx, c.endpoint, c.buildEvent(payload))
}

func (c *Client) buildEvent(p notify.JobFailurePayload) event {
	at := p.OccurredAt.UTC()
	if p.OccurredAt.IsZero() {
		at = time.Now().UTC()
	}

	details := make(map[string]any, len(p.Metadata)+6)
	for k, v := range p.Metadata {
		details[k] = v
	}
	maps.Copy(details, map[string]any{
		"job_id":          p.JobID,
		"stage":           p.Stage,
		"error":           p.Error,
		"error_class":     p.ErrorClass,
		"total_files":     p.TotalFiles,
		"processed_files": p.ProcessedFiles,
	})

	dedup := "geoinfer"
	if p.JobID != "" {
		dedup += ":" + p.JobID
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    dedup,
		Payload: eventPayload{
			Summary: fmt.Sprintf("Pipeline job %s failed at %s",
				notify.Fallback(p.JobID, "unknown"), notify.Fallback(p.Stage, "unknown stage")),
			Severity:      severity(p.Severity),
			Source:        c.source,
			Component:     c.component,
			Group:         p.Stage,
			Timestamp:     at.Format(time.RFC3339),
			CustomDetails: details,
		},
	}
}

// severity maps to one of PagerDuty's accepted levels.
func severity(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "critical", "error", "warning", "info":
		return v
	default:
		return notify.SeverityCritical
	}
}
