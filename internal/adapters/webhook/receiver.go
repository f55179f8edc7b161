package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxReceiverBody = 1 << 20

// ReceivedEvent is what a Receiver hands to its callback.
type ReceivedEvent struct {
	Event          string          `json:"event"`
	JobID          string          `json:"job_id,omitempty"`
	Status         string          `json:"status"`
	SignatureValid bool            `json:"signature_valid"`
	Raw            json.RawMessage `json:"raw"`
}

// Receiver is an http.Handler that verifies signed deliveries. It is used by the admin
// CLI's local test endpoint and by integration tests.
type Receiver struct {
	Secret    string
	Tolerance time.Duration
	// RequireSignature rejects unsigned or invalid requests with 401.
	RequireSignature bool
	OnEvent          func(ReceivedEvent)
	Logger           *slog.Logger
	Now              func() time.Time
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if rc.Now != nil {
		now = rc.Now
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReceiverBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	valid := rc.Secret == ""
	if rc.Secret != "" {
		verr := Verify(rc.Secret, r.Header.Get(HeaderTimestamp), body, r.Header.Get(HeaderSignature), rc.Tolerance, now())
		valid = verr == nil
		if verr != nil {
			logger.WarnContext(r.Context(), "webhook signature rejected", "error", verr)
		}
	}
	if !valid && rc.RequireSignature {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev ReceivedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ev.SignatureValid = valid
	ev.Raw = body

	logger.InfoContext(r.Context(), "webhook received",
		"event", ev.Event, "job_id", ev.JobID, "status", ev.Status, "signature_valid", valid)
	if rc.OnEvent != nil {
		rc.OnEvent(ev)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"received": true, "signature_valid": valid})
}
