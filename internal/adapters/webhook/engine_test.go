package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/geoinfer-api/internal/domain/model"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type recorded struct {
	mu    sync.Mutex
	calls []model.RecordWebhookAttemptRequest
}

func (r *recorded) record(_ context.Context, req model.RecordWebhookAttemptRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return nil
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestEngine(cfg Config, rec *recorded, sl *sleeps) *Engine {
	opts := Options{
		Config: cfg,
		Now:    func() time.Time { return fixedNow },
		Jitter: func() float64 { return 0.5 },
	}
	if rec != nil {
		opts.Recorder = rec.record
	}
	if sl != nil {
		opts.Sleep = sl.sleep
	}
	return NewEngine(opts)
}

func sendRequest(url string) model.WebhookSendRequest {
	return model.WebhookSendRequest{
		TargetURL:      url,
		JobID:          "job-123",
		ArtifactRef:    "results/job-123_coco_results.json",
		TotalFiles:     4,
		ProcessedFiles: 3,
	}
}

func TestEngine_Send_AlwaysFailing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &recorded{}
	sl := &sleeps{}
	e := newTestEngine(Config{MaxAttempts: 3, BaseRetryDelay: time.Second}, rec, sl)

	ok := e.Send(context.Background(), sendRequest(srv.URL))

	assert.False(t, ok)
	assert.Equal(t, int32(3), hits.Load())
	require.Len(t, rec.calls, 3)
	for _, c := range rec.calls {
		assert.Equal(t, "job-123", c.JobID)
		assert.False(t, c.Delivered)
		require.NotNil(t, c.StatusCode)
		assert.Equal(t, 500, *c.StatusCode)
		require.NotNil(t, c.Error)
		assert.Equal(t, "Non-success status code 500", *c.Error)
	}
	// Jitter is pinned at 0.5, i.e. +10% on each step. No sleep after the last attempt.
	assert.Equal(t, []time.Duration{1100 * time.Millisecond, 2200 * time.Millisecond}, sl.delays)
}

func TestEngine_Send_SucceedsOnSecondAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorded{}
	e := newTestEngine(Config{MaxAttempts: 5}, rec, &sleeps{})

	ok := e.Send(context.Background(), sendRequest(srv.URL))

	assert.True(t, ok)
	assert.Equal(t, int32(2), hits.Load())
	require.Len(t, rec.calls, 2)
	assert.False(t, rec.calls[0].Delivered)
	assert.True(t, rec.calls[1].Delivered)
	assert.Nil(t, rec.calls[1].Error)
	require.NotNil(t, rec.calls[1].StatusCode)
	assert.Equal(t, 200, *rec.calls[1].StatusCode)
}

func TestEngine_Deliver_SuccessStatuses(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusAccepted} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		d := newTestEngine(Config{MaxAttempts: 2}, nil, &sleeps{}).
			Deliver(context.Background(), DeliverRequest{TargetURL: srv.URL, Body: []byte(`{}`)})
		srv.Close()

		assert.True(t, d.Delivered, "status %d", status)
		assert.Len(t, d.Attempts, 1)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	d := newTestEngine(Config{MaxAttempts: 2}, nil, &sleeps{}).
		Deliver(context.Background(), DeliverRequest{TargetURL: srv.URL, Body: []byte(`{}`)})
	assert.False(t, d.Delivered, "204 is not an accepted status")
	require.Len(t, d.Attempts, 2)
	assert.Equal(t, "Non-success status code 204", d.Attempts[1].Error)
}

func TestEngine_Send_SignsExactBody(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := newTestEngine(Config{MaxAttempts: 1, SigningSecret: "supersecret"}, nil, nil)
	req := sendRequest(srv.URL)
	apiKey := "client-key"
	req.APIKey = &apiKey
	require.True(t, e.Send(context.Background(), req))

	ts := gotHeaders.Get(HeaderTimestamp)
	assert.Equal(t, "1741944413", ts)
	assert.Equal(t, "v1", gotHeaders.Get(HeaderVersion))
	assert.Equal(t, "Bearer client-key", gotHeaders.Get("Authorization"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, DefaultUserAgent, gotHeaders.Get("User-Agent"))

	require.NoError(t, Verify("supersecret", ts, gotBody, gotHeaders.Get(HeaderSignature), time.Minute, fixedNow))
	require.ErrorIs(t, Verify("wrong", ts, gotBody, gotHeaders.Get(HeaderSignature), 0, fixedNow), ErrBadSignature)
}

func TestEngine_Send_UnsignedWithoutSecret(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.True(t, newTestEngine(Config{}, nil, nil).Send(context.Background(), sendRequest(srv.URL)))
	assert.Empty(t, gotHeaders.Get(HeaderSignature))
	assert.Empty(t, gotHeaders.Get(HeaderTimestamp))
	assert.Empty(t, gotHeaders.Get("Authorization"))
}

func TestEngine_Send_DefaultAPIKey(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(Config{DefaultAPIKey: "service-key"}, nil, nil)
	require.True(t, e.Send(context.Background(), sendRequest(srv.URL)))

	req := sendRequest(srv.URL)
	own := "job-key"
	req.APIKey = &own
	require.True(t, e.Send(context.Background(), req))

	assert.Equal(t, []string{"Bearer service-key", "Bearer job-key"}, auth)
}

func TestEngine_Send_PayloadShape(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(Options{
		Config:       Config{BaseURL: "https://api.example.com/"},
		Now:          func() time.Time { return fixedNow },
		ArtifactSize: func(string) int64 { return 2048 },
	})
	require.True(t, e.Send(context.Background(), sendRequest(srv.URL)))

	assert.Equal(t, map[string]any{
		"event":     "processing_completed",
		"timestamp": "2025-03-14T09:26:53Z",
		"job_id":    "job-123",
		"status":    "completed",
		"summary": map[string]any{
			"total_files_uploaded":         float64(4),
			"files_successfully_processed": float64(3),
			"success_rate_percentage":      float64(75),
			"processing_timestamp":         "2025-03-14T09:26:53Z",
		},
		"results": map[string]any{
			"coco_format_file": "results/job-123_coco_results.json",
			"file_size_bytes":  float64(2048),
			"download_url":     "https://api.example.com/results/job-123_coco_results.json",
		},
		"metadata": map[string]any{
			"model_version":     "palm_v1.0",
			"pipeline_version":  "1.0.0",
			"geospatial_format": "GeoTIFF",
			"output_format":     "COCO JSON",
		},
	}, payload)
}

func TestEngine_BuildPayload_Variants(t *testing.T) {
	e := newTestEngine(Config{}, nil, nil)

	empty := e.BuildPayload(model.WebhookSendRequest{JobID: "j0"})
	assert.InDelta(t, 0, empty.Summary.SuccessRatePercentage, 0)
	assert.Equal(t, "/results/j0_coco_results.json", empty.Results.DownloadURL)
	assert.Zero(t, empty.Results.FileSizeBytes)

	ref := "gs://bucket/j1.json"
	failed := e.BuildPayload(model.WebhookSendRequest{JobID: "j1", Failed: true, TotalFiles: 3, ProcessedFiles: 2, ArtifactStorageRef: &ref})
	assert.Equal(t, model.WebhookEventFailed, failed.Event)
	assert.Equal(t, "failed", failed.Status)
	assert.InDelta(t, 66.67, failed.Summary.SuccessRatePercentage, 1e-9)
	assert.Equal(t, ref, failed.Results.StoragePath)
	assert.Empty(t, failed.Results.DownloadURL)
	assert.Empty(t, failed.Results.COCOFormatFile)

	raw, err := json.Marshal(failed)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"download_url":""`)
}

func TestEngine_Deliver_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorded{}
	e := newTestEngine(Config{MaxAttempts: 2, Timeout: 20 * time.Millisecond}, rec, &sleeps{})
	ok := e.Send(context.Background(), sendRequest(srv.URL))

	assert.False(t, ok)
	require.Len(t, rec.calls, 2)
	assert.Nil(t, rec.calls[0].StatusCode)
	require.NotNil(t, rec.calls[0].Error)
	assert.Equal(t, ErrTimeout, *rec.calls[0].Error)
}

func TestEngine_Deliver_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := newTestEngine(Config{MaxAttempts: 1}, nil, nil).
		Deliver(context.Background(), DeliverRequest{TargetURL: url, Body: []byte(`{}`)})
	require.Len(t, d.Attempts, 1)
	assert.Equal(t, ErrConnectionError, d.Attempts[0].Error)
	assert.Zero(t, d.Attempts[0].StatusCode)
}

func TestEngine_Deliver_RawErrorText(t *testing.T) {
	d := newTestEngine(Config{MaxAttempts: 1}, nil, nil).
		Deliver(context.Background(), DeliverRequest{TargetURL: "ftp://example.com/hook", Body: []byte(`{}`)})
	require.Len(t, d.Attempts, 1)
	assert.Contains(t, d.Attempts[0].Error, "unsupported protocol scheme")
}

func TestEngine_RecorderErrorsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	var calls atomic.Int32
	e := NewEngine(Options{
		Recorder: func(context.Context, model.RecordWebhookAttemptRequest) error {
			calls.Add(1)
			return errors.New("database is down")
		},
	})
	assert.True(t, e.Send(context.Background(), sendRequest(srv.URL)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_StopsWhenContextCanceled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(Options{
		Config: Config{MaxAttempts: 5},
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	assert.False(t, e.Send(ctx, sendRequest(srv.URL)))
	assert.Equal(t, int32(1), hits.Load())
}

func TestEngine_SendTest(t *testing.T) {
	var payload model.WebhookTestPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorded{}
	d := newTestEngine(Config{}, rec, nil).SendTest(context.Background(), srv.URL, nil)
	assert.True(t, d.Delivered)
	assert.Equal(t, model.WebhookEventTest, payload.Event)
	assert.Equal(t, "test", payload.Status)
	assert.Empty(t, rec.calls, "test deliveries are not recorded against a job")
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{1, 0, 2 * time.Second},
		{2, 0, 4 * time.Second},
		{3, 0, 8 * time.Second},
		{4, 0, 16 * time.Second},
		{1, 0.5, 2200 * time.Millisecond},
		{0, 0, 2 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(2*time.Second, tt.attempt, tt.jitter), "attempt %d", tt.attempt)
	}

	// Jitter never reaches the full 20%.
	for attempt := 1; attempt <= 5; attempt++ {
		base := Backoff(2*time.Second, attempt, 0)
		for _, j := range []float64{math.Nextafter(1, 0), 1, 2} {
			got := Backoff(2*time.Second, attempt, j)
			assert.Less(t, got, base+base/5, "attempt %d jitter %v", attempt, j)
			assert.GreaterOrEqual(t, got, base)
		}
	}
	assert.Equal(t, 2*time.Second, Backoff(2*time.Second, 1, -1))
}

func TestDefaultConfig(t *testing.T) {
	cfg := NewEngine(Options{}).Config()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BaseRetryDelay)
	assert.Equal(t, 20*time.Second, cfg.Timeout)
	assert.Equal(t, "MLOps-Pipeline/1.0", cfg.UserAgent)
}
