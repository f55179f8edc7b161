// Package slack posts pipeline job failures to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/target/geoinfer-api/internal/observability/notify"
)

// Config holds the incoming webhook settings.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix turns the job id into a link, e.g. https://geoinfer.example.com/api/jobs.
	JobURLPrefix string
}

// Client delivers job failure notifications to Slack.
type Client struct {
	webhookURL string
	channel    string
	username   string
	jobLink    *url.URL
	poster     *notify.Poster
}

// message is the incoming webhook body. Text is the notification fallback; Blocks
// carry the rendered card.
type message struct {
	Text     string  `json:"text"`
	Channel  string  `json:"channel,omitempty"`
	Username string  `json:"username,omitempty"`
	Blocks   []block `json:"blocks"`
}

type block struct {
	Type   string       `json:"type"`
	Text   *textObject  `json:"text,omitempty"`
	Fields []textObject `json:"fields,omitempty"`
}

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) textObject { return textObject{Type: "mrkdwn", Text: s} }

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}
	return &Client{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   notify.Fallback(strings.TrimSpace(cfg.Username), "geoinfer"),
		jobLink:    parseLinkPrefix(cfg.JobURLPrefix),
		poster:     notify.NewPoster("slack", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}, nil
}

// SendJobFailure posts a failure card for payload.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.poster.PostJSON(ctx, c.webhookURL, c.buildMessage(payload))
}

func (c *Client) buildMessage(p notify.JobFailurePayload) message {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	headline := "*Pipeline job failed*"
	if job := c.jobRef(p.JobID); job != "" {
		headline += " " + job
	}

	var fields []textObject
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fields = append(fields, mrkdwn("*"+label+"*\n"+value))
		}
	}
	add("Severity", notify.Fallback(p.Severity, notify.SeverityCritical))
	add("Stage", p.Stage)
	if p.TotalFiles > 0 || p.ProcessedFiles > 0 {
		add("Files", fmt.Sprintf("%d/%d processed", p.ProcessedFiles, p.TotalFiles))
	}
	add("Error class", p.ErrorClass)
	add("Occurred", at.UTC().Format(time.RFC3339))
	for _, k := range slices.Sorted(maps.Keys(p.Metadata)) {
		add(escape(k), escape(p.Metadata[k]))
	}

	blocks := []block{{Type: "section", Text: &textObject{Type: "mrkdwn", Text: headline}}}
	if len(fields) > 0 {
		blocks = append(blocks, block{Type: "section", Fields: fields})
	}
	if p.Error != "" {
		blocks = append(blocks, block{Type: "section", Text: &textObject{Type: "mrkdwn", Text: "```" + escape(p.Error) + "```"}})
	}

	fallback := "Pipeline job " + notify.Fallback(p.JobID, "unknown") + " failed"
	if p.Stage != "" {
		fallback += " at " + p.Stage
	}
	return message{
		Text:     fallback,
		Channel:  c.channel,
		Username: c.username,
		Blocks:   blocks,
	}
}

// jobRef renders the job id, linked when a prefix is configured.
func (c *Client) jobRef(jobID string) string {
	raw := strings.TrimSpace(jobID)
	if raw == "" {
		return ""
	}
	if c.jobLink != nil {
		return "<" + c.jobLink.JoinPath(raw).String() + "|" + escape(raw) + ">"
	}
	return "`" + escape(raw) + "`"
}

func parseLinkPrefix(prefix string) *url.URL {
	u, err := url.Parse(strings.TrimSpace(prefix))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return u
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return slackEscaper.Replace(s) }
