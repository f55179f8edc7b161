// Package failurenotifier fans pipeline job failures out to the configured on-call sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/geoinfer-api/internal/observability/notify"
)

const defaultSinkTimeout = 10 * time.Second

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SinkTimeout bounds each sink delivery. Defaults to 10s.
	SinkTimeout time.Duration
	Now         func() time.Time
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger      *slog.Logger
	sinks       []SinkRegistration
	sinkTimeout time.Duration
	now         func() time.Time
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "failure_notifier")

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	timeout := opts.SinkTimeout
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		logger:      logger,
		sinks:       sinks,
		sinkTimeout: timeout,
		now:         now,
	}
}

// NotifyJobFailure fans out the job failure payload to all sinks and waits for them.
// Sink errors are logged, never returned.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = s.now()
	}

	// Deliveries outlive a canceled job context; the timeout still bounds them.
	base := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sinkCtx, cancel := context.WithTimeout(base, s.sinkTimeout)
			defer cancel()
			if err := entry.Sink.SendJobFailure(sinkCtx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"stage", payload.Stage,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
