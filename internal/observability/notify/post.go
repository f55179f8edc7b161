package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPostTimeout = 5 * time.Second
	defaultRetryStep   = 200 * time.Millisecond
	maxErrorBody       = 4 << 10
)

// StatusError is a non-2xx reply from a notification endpoint.
type StatusError struct {
	Sink   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Sink, e.Status, e.Body)
}

// Retryable reports whether another attempt could succeed. Client errors other than
// 408 and 429 are final.
func (e *StatusError) Retryable() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return true
	}
	return e.Status >= http.StatusInternalServerError
}

// Poster sends JSON documents with bounded linear-backoff retries. Both the Slack and
// PagerDuty sinks go through it.
type Poster struct {
	Sink       string
	Client     *http.Client
	RetryLimit int
	// RetryStep is multiplied by the attempt number between tries.
	RetryStep time.Duration
}

// NewPoster fills in the HTTP client and retry defaults.
func NewPoster(sink string, client *http.Client, timeout time.Duration, retryLimit int) *Poster {
	if client == nil {
		if timeout <= 0 {
			timeout = defaultPostTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Poster{
		Sink:       sink,
		Client:     client,
		RetryLimit: max(retryLimit, 0),
		RetryStep:  defaultRetryStep,
	}
}

// PostJSON encodes v and posts it to target until it is accepted, a final error is
// returned, or the retries run out.
func (p *Poster) PostJSON(ctx context.Context, target string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", p.Sink, err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.RetryLimit; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, time.Duration(attempt)*p.RetryStep); err != nil {
				return err
			}
		}
		lastErr = p.post(ctx, target, body)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (p *Poster) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", p.Sink, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.Sink, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Sink: p.Sink, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fallback returns value, or fallback when value is blank.
func Fallback(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
