package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/target/geoinfer-api/internal/observability/notify"
)

func TestServiceNotifyJobFailure(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	var (
		mu       sync.Mutex
		received []notify.JobFailurePayload
	)
	capture := notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, payload)
		return nil
	})
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "a", Sink: capture},
			{Name: "b", Sink: capture},
			{Name: "nil"},
		},
		Now: func() time.Time { return fixed },
	})

	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID: "123",
		Stage: notify.StageArtifact,
	})

	if len(received) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(received))
	}
	if received[0].Severity != notify.SeverityCritical {
		t.Fatalf("expected severity to default to critical, got %s", received[0].Severity)
	}
	if !received[0].OccurredAt.Equal(fixed) {
		t.Fatalf("expected OccurredAt to default to now, got %v", received[0].OccurredAt)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
	var nilSvc *Service
	if nilSvc.Enabled() {
		t.Fatal("nil service must report disabled")
	}
	nilSvc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "x"})
}

func TestServiceLogsErrors(t *testing.T) {
	// Ensure we don't panic when sink returns an error.
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "fail",
				Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
					return errors.New("boom")
				}),
			},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
}

func TestServiceDeliversAfterCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sinkErr error
	svc := NewService(Options{
		SinkTimeout: time.Second,
		Sinks: []SinkRegistration{{
			Name: "ctx",
			Sink: notify.SinkFunc(func(ctx context.Context, _ notify.JobFailurePayload) error {
				sinkErr = ctx.Err()
				if _, ok := ctx.Deadline(); !ok {
					t.Error("expected sink context to carry a deadline")
				}
				return nil
			}),
		}},
	})

	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "123"})
	if sinkErr != nil {
		t.Fatalf("sink context should not inherit cancellation, got %v", sinkErr)
	}
}
