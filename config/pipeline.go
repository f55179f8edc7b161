package config

import (
	"strings"
	"time"
)

// PipelineConfig controls job execution. Variables are read with the PIPELINE_ prefix.
type PipelineConfig struct {
	UploadDir  string `env:"UPLOAD_DIR"  envDefault:"uploads"`
	ResultsDir string `env:"RESULTS_DIR" envDefault:"results"`

	// FileConcurrency is the number of files inferred in parallel within one job.
	FileConcurrency int `env:"FILE_CONCURRENCY" envDefault:"1"`

	// Workers is the number of jobs processed concurrently by this process.
	Workers int `env:"WORKERS" envDefault:"2"`

	// PollInterval bounds how long an idle worker waits before re-checking the queue.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// DrainTimeout is how long in-flight jobs may keep running after shutdown starts.
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"1073741824"`

	InferenceMinDelay time.Duration `env:"INFERENCE_MIN_DELAY" envDefault:"500ms"`
	InferenceMaxDelay time.Duration `env:"INFERENCE_MAX_DELAY" envDefault:"2s"`
	ModelVersion      string        `env:"MODEL_VERSION"       envDefault:"palm_v1.0_simulated"`
}

// Sanitize applies guardrails to pipeline configuration values.
func (p *PipelineConfig) Sanitize() {
	if p.UploadDir = strings.TrimSpace(p.UploadDir); p.UploadDir == "" {
		p.UploadDir = "uploads"
	}
	if p.ResultsDir = strings.TrimSpace(p.ResultsDir); p.ResultsDir == "" {
		p.ResultsDir = "results"
	}
	if p.FileConcurrency < 1 {
		p.FileConcurrency = 1
	}
	if p.Workers < 1 {
		p.Workers = 1
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 5 * time.Second
	}
	if p.DrainTimeout < 0 {
		p.DrainTimeout = 0
	}
	if p.MaxUploadBytes <= 0 {
		p.MaxUploadBytes = 1 << 30
	}
	if p.InferenceMinDelay < 0 {
		p.InferenceMinDelay = 0
	}
	if p.InferenceMaxDelay < p.InferenceMinDelay {
		p.InferenceMaxDelay = p.InferenceMinDelay
	}
	if p.ModelVersion = strings.TrimSpace(p.ModelVersion); p.ModelVersion == "" {
		p.ModelVersion = "palm_v1.0_simulated"
	}
}

// WebhookConfig controls completion webhook delivery. Variables are read with the
// WEBHOOK_ prefix.
type WebhookConfig struct {
	MaxAttempts    int           `env:"MAX_ATTEMPTS"     envDefault:"5"`
	BaseRetryDelay time.Duration `env:"BASE_RETRY_DELAY" envDefault:"2s"`
	Timeout        time.Duration `env:"TIMEOUT"          envDefault:"20s"`

	// SigningSecret enables the X-Webhook-Signature header when set.
	SigningSecret string `env:"SIGNING_SECRET"`

	// APIKey is the bearer token sent for jobs submitted without one.
	APIKey string `env:"API_KEY"`

	NotifyOnFailure bool   `env:"NOTIFY_ON_FAILURE" envDefault:"false"`
	UserAgent       string `env:"USER_AGENT"        envDefault:"MLOps-Pipeline/1.0"`
	PipelineVersion string `env:"PIPELINE_VERSION"  envDefault:"1.0.0"`
}

// Sanitize applies guardrails to webhook configuration values.
func (w *WebhookConfig) Sanitize() {
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
	if w.BaseRetryDelay < 0 {
		w.BaseRetryDelay = 0
	}
	if w.Timeout <= 0 {
		w.Timeout = 20 * time.Second
	}
	w.SigningSecret = strings.TrimSpace(w.SigningSecret)
	w.APIKey = strings.TrimSpace(w.APIKey)
	if w.UserAgent = strings.TrimSpace(w.UserAgent); w.UserAgent == "" {
		w.UserAgent = "MLOps-Pipeline/1.0"
	}
	if w.PipelineVersion = strings.TrimSpace(w.PipelineVersion); w.PipelineVersion == "" {
		w.PipelineVersion = "1.0.0"
	}
}
