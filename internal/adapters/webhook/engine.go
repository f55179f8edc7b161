// Package webhook delivers signed job notifications to client endpoints with retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/observability/metrics"
	"github.com/target/geoinfer-api/internal/observability/statsd"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultMaxAttempts    = 5
	DefaultBaseRetryDelay = 2 * time.Second
	DefaultTimeout        = 20 * time.Second
	DefaultUserAgent      = "MLOps-Pipeline/1.0"

	// jitterFraction bounds the random delay added on top of each backoff step.
	jitterFraction = 0.2
)

// Error strings recorded for failed attempts.
const (
	ErrTimeout         = "timeout"
	ErrConnectionError = "connection_error"
)

// AttemptRecorder persists the outcome of one delivery attempt. Errors are logged and
// otherwise ignored; they never change the delivery result.
type AttemptRecorder func(ctx context.Context, req model.RecordWebhookAttemptRequest) error

// Config holds delivery policy and the static parts of the payload.
type Config struct {
	MaxAttempts    int
	BaseRetryDelay time.Duration
	Timeout        time.Duration
	SigningSecret  string
	UserAgent      string
	// DefaultAPIKey is sent as the bearer token when a job carries no key of its own.
	DefaultAPIKey string

	// BaseURL prefixes download_url; empty yields a relative "/results/..." path.
	BaseURL          string
	ModelVersion     string
	PipelineVersion  string
	GeospatialFormat string
	OutputFormat     string
}

// DefaultConfig returns the delivery policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      DefaultMaxAttempts,
		BaseRetryDelay:   DefaultBaseRetryDelay,
		Timeout:          DefaultTimeout,
		UserAgent:        DefaultUserAgent,
		ModelVersion:     "palm_v1.0",
		PipelineVersion:  "1.0.0",
		GeospatialFormat: "GeoTIFF",
		OutputFormat:     "COCO JSON",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.ModelVersion == "" {
		c.ModelVersion = d.ModelVersion
	}
	if c.PipelineVersion == "" {
		c.PipelineVersion = d.PipelineVersion
	}
	if c.GeospatialFormat == "" {
		c.GeospatialFormat = d.GeospatialFormat
	}
	if c.OutputFormat == "" {
		c.OutputFormat = d.OutputFormat
	}
	return c
}

// Options bundles the engine's collaborators. Only Config is required.
type Options struct {
	Config Config
	// Client is owned by the engine; a client with no timeout is fine since every
	// attempt carries its own deadline.
	Client   *http.Client
	Recorder AttemptRecorder
	// ArtifactSize reports file_size_bytes for an artifact reference.
	ArtifactSize func(ref string) int64
	Logger       *slog.Logger
	Metrics      statsd.Sink

	// Test hooks.
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
}

// Attempt is the structured outcome of one POST.
type Attempt struct {
	Number     int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Delivered  bool          `json:"delivered"`
	Duration   time.Duration `json:"duration"`
	// Backoff is the pause taken after this attempt, zero for the last one.
	Backoff time.Duration `json:"backoff,omitempty"`
}

// Delivery summarizes a full send including every attempt made.
type Delivery struct {
	Delivered bool      `json:"delivered"`
	Attempts  []Attempt `json:"attempts"`
}

// Engine posts JSON payloads to notification targets.
type Engine struct {
	cfg          Config
	client       *http.Client
	recorder     AttemptRecorder
	artifactSize func(string) int64
	logger       *slog.Logger
	metrics      statsd.Sink
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	jitter       func() float64
}

// NewEngine builds an Engine, filling in defaults for anything unset.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		cfg:          opts.Config.withDefaults(),
		client:       opts.Client,
		recorder:     opts.Recorder,
		artifactSize: opts.ArtifactSize,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		sleep:        opts.Sleep,
		jitter:       opts.Jitter,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "webhook")
	if e.artifactSize == nil {
		e.artifactSize = func(string) int64 { return 0 }
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.jitter == nil {
		e.jitter = rand.Float64
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Send delivers the completion (or failure) event for a job and reports whether any
// attempt succeeded. It never returns an error.
func (e *Engine) Send(ctx context.Context, req model.WebhookSendRequest) bool {
	payload := e.BuildPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.ErrorContext(ctx, "encode webhook payload", "job_id", req.JobID, "error", err)
		return false
	}
	return e.Deliver(ctx, DeliverRequest{
		TargetURL: req.TargetURL,
		JobID:     req.JobID,
		Body:      body,
		APIKey:    req.APIKey,
	}).Delivered
}

// SendTest posts a test_webhook event. Attempts are not recorded against any job.
func (e *Engine) SendTest(ctx context.Context, targetURL string, apiKey *string) Delivery {
	body, err := json.Marshal(model.WebhookTestPayload{
		Event:     model.WebhookEventTest,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Message:   "This is a test webhook from the MLOps Pipeline",
		Status:    "test",
	})
	if err != nil {
		return Delivery{}
	}
	return e.Deliver(ctx, DeliverRequest{TargetURL: targetURL, Body: body, APIKey: apiKey})
}

// DeliverRequest is a pre-encoded body bound for one target.
type DeliverRequest struct {
	TargetURL string
	// JobID enables attempt recording; empty skips the recorder.
	JobID  string
	Body   []byte
	APIKey *string
}

// Deliver runs the retry loop for an already encoded body. The same bytes and
// signature headers are used for every attempt.
func (e *Engine) Deliver(ctx context.Context, req DeliverRequest) Delivery {
	headers := e.headers(req.Body, req.APIKey)
	out := Delivery{Attempts: make([]Attempt, 0, e.cfg.MaxAttempts)}

	for n := 1; n <= e.cfg.MaxAttempts; n++ {
		a := e.attempt(ctx, n, req.TargetURL, req.Body, headers)
		e.record(ctx, req.JobID, a)

		if a.Delivered {
			out.Delivered = true
			out.Attempts = append(out.Attempts, a)
			e.logger.InfoContext(ctx, "webhook delivered",
				"job_id", req.JobID, "attempt", n, "status_code", a.StatusCode)
			return out
		}

		last := n == e.cfg.MaxAttempts
		if !last {
			a.Backoff = Backoff(e.cfg.BaseRetryDelay, n, e.jitter())
		}
		out.Attempts = append(out.Attempts, a)
		e.logger.WarnContext(ctx, "webhook attempt failed",
			"job_id", req.JobID,
			"attempt", n,
			"status_code", a.StatusCode,
			"error", a.Error,
			"delay", a.Backoff,
		)
		if last {
			break
		}
		if err := e.sleep(ctx, a.Backoff); err != nil {
			e.logger.WarnContext(ctx, "webhook delivery abandoned", "job_id", req.JobID, "error", err)
			break
		}
	}

	e.logger.WarnContext(ctx, "webhook delivery failed",
		"job_id", req.JobID, "attempts", len(out.Attempts))
	return out
}

func (e *Engine) headers(body []byte, apiKey *string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", e.cfg.UserAgent)
	key := e.cfg.DefaultAPIKey
	if apiKey != nil && *apiKey != "" {
		key = *apiKey
	}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	if e.cfg.SigningSecret != "" {
		ts := strconv.FormatInt(e.now().Unix(), 10)
		h.Set(HeaderTimestamp, ts)
		h.Set(HeaderVersion, SignatureVersion)
		h.Set(HeaderSignature, SignaturePrefix+Sign(e.cfg.SigningSecret, ts, body))
	}
	return h
}

func (e *Engine) attempt(ctx context.Context, n int, target string, body []byte, headers http.Header) Attempt {
	start := time.Now()
	a := Attempt{Number: n}

	status, err := e.post(ctx, target, body, headers)
	a.Duration = time.Since(start)
	a.StatusCode = status
	switch {
	case err != nil:
		a.Error = classifyError(err)
	case isSuccess(status):
		a.Delivered = true
	default:
		a.Error = fmt.Sprintf("Non-success status code %d", status)
	}

	metrics.EmitWebhookAttempt(e.metrics, metrics.WebhookAttemptMetric{
		Attempt:    n,
		StatusCode: status,
		Delivered:  a.Delivered,
		ErrorClass: errorClass(a),
		Duration:   a.Duration,
	})
	return a
}

func (e *Engine) post(ctx context.Context, target string, body []byte, headers http.Header) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header = headers.Clone()

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}

func (e *Engine) record(ctx context.Context, jobID string, a Attempt) {
	if e.recorder == nil || jobID == "" {
		return
	}
	rec := model.RecordWebhookAttemptRequest{JobID: jobID, Delivered: a.Delivered}
	if a.StatusCode != 0 {
		code := a.StatusCode
		rec.StatusCode = &code
	}
	if a.Error != "" {
		msg := a.Error
		rec.Error = &msg
	}
	// The attempt already happened; record even if the delivery context is done.
	if err := e.recorder(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.ErrorContext(ctx, "record webhook attempt", "job_id", jobID, "attempt", a.Number, "error", err)
	}
}

// Backoff returns base*2^(attempt-1) plus jitter*20% of that, where jitter is in [0, 1).
// The jitter term stays strictly below 20%.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	span := time.Duration(float64(delay) * jitterFraction)
	if span <= 0 || jitter <= 0 {
		return delay
	}
	j := time.Duration(float64(span) * jitter)
	if j >= span {
		j = span - 1
	}
	return delay + j
}

func isSuccess(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted
}

// classifyError maps transport errors to the recorded error string.
func classifyError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ErrConnectionError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrConnectionError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrConnectionError
	}
	return err.Error()
}

// errorClass keeps metric tags bounded; raw error text never becomes a tag.
func errorClass(a Attempt) string {
	switch {
	case a.Delivered:
		return ""
	case a.Error == ErrTimeout, a.Error == ErrConnectionError:
		return a.Error
	case a.StatusCode != 0:
		return "http_status"
	default:
		return "other"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
