package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/target/geoinfer-api/internal/adapters/webhook"
	"github.com/target/geoinfer-api/internal/service"
)

// WebhookTester sends a test_webhook event through the delivery engine.
type WebhookTester interface {
	SendTest(ctx context.Context, targetURL string, apiKey *string) webhook.Delivery
}

// WebhookHandlers serves webhook tooling endpoints.
type WebhookHandlers struct {
	Tester WebhookTester
}

type testWebhookRequest struct {
	WebhookURL string  `json:"webhook_url"`
	APIKey     *string `json:"api_key,omitempty"`
}

// Test posts a signed test event to the given URL using the normal retry policy.
func (h *WebhookHandlers) Test(w http.ResponseWriter, r *http.Request) {
	var req testWebhookRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	target := strings.TrimSpace(req.WebhookURL)
	if err := service.ValidateNotificationTarget(target); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.Tester.SendTest(r.Context(), target, req.APIKey))
}
