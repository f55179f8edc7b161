package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geoinfer-api/internal/adapters/webhook"
)

type fakeTester struct {
	gotURL    string
	gotAPIKey *string
	delivery  webhook.Delivery
}

func (f *fakeTester) SendTest(_ context.Context, targetURL string, apiKey *string) webhook.Delivery {
	f.gotURL = targetURL
	f.gotAPIKey = apiKey
	return f.delivery
}

func TestWebhookTest(t *testing.T) {
	tester := &fakeTester{delivery: webhook.Delivery{
		Delivered: true,
		Attempts:  []webhook.Attempt{{Number: 1, StatusCode: 202, Delivered: true}},
	}}
	f := newRouterFixture(t, func(s *RouterServices) { s.Webhooks = tester })

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/test",
		strings.NewReader(`{"webhook_url":" https://hooks.example.com/test ","api_key":"k"}`))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://hooks.example.com/test", tester.gotURL)
	require.NotNil(t, tester.gotAPIKey)
	assert.Equal(t, "k", *tester.gotAPIKey)
	got := decodeBody[webhook.Delivery](t, rec)
	assert.True(t, got.Delivered)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, 202, got.Attempts[0].StatusCode)
}

func TestWebhookTest_Rejections(t *testing.T) {
	f := newRouterFixture(t, func(s *RouterServices) { s.Webhooks = &fakeTester{} })

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "malformed json", body: `{`, wantErr: "invalid_json"},
		{name: "unknown field", body: `{"url":"https://x.example.com"}`, wantErr: "invalid_json"},
		{name: "missing url", body: `{}`, wantErr: "validation_error"},
		{name: "bad scheme", body: `{"webhook_url":"file:///etc/passwd"}`, wantErr: "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/test", strings.NewReader(tt.body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, decodeBody[errorBody](t, rec).Error)
		})
	}
}

func TestWebhookTest_NotRegisteredWithoutEngine(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/test", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		checks     map[string]HealthCheck
		wantCode   int
		wantBody   string
		wantNoBody bool
	}{
		{
			name:     "no checks",
			method:   http.MethodGet,
			wantCode: http.StatusOK,
			wantBody: `{"status":"ok"}`,
		},
		{
			name:   "all checks pass",
			method: http.MethodGet,
			checks: map[string]HealthCheck{
				"db": func(context.Context) error { return nil },
			},
			wantCode: http.StatusOK,
			wantBody: `{"status":"ok","checks":{"db":"ok"}}`,
		},
		{
			name:   "failing check degrades",
			method: http.MethodGet,
			checks: map[string]HealthCheck{
				"db":    func(context.Context) error { return nil },
				"redis": func(context.Context) error { return errors.New("connection refused") },
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"status":"degraded","checks":{"db":"ok","redis":"connection refused"}}`,
		},
		{
			name:       "head has no body",
			method:     http.MethodHead,
			wantCode:   http.StatusOK,
			wantNoBody: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, func(s *RouterServices) { s.HealthChecks = tt.checks })
			rec := f.do(httptest.NewRequest(tt.method, "/healthz", nil))

			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.wantNoBody {
				assert.Zero(t, rec.Body.Len())
				return
			}
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestRoot(t *testing.T) {
	f := newRouterFixture(t, func(s *RouterServices) { s.Version = "2.3.4" })

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[rootResponse](t, rec)
	assert.Equal(t, "2.3.4", got.Version)
	assert.Contains(t, got.Endpoints, "upload")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
