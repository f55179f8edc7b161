package httpx

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandlers reports liveness and dependency health.
type HealthHandlers struct {
	Checks  map[string]HealthCheck
	Timeout time.Duration
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health returns 200 when every check passes and 503 otherwise. HEAD omits the body.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		if err := h.Checks[name](ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		return
	}
	WriteJSON(w, code, resp)
}

type rootResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

func rootHandler(version string) http.HandlerFunc {
	body := rootResponse{
		Message: "MLOps Geospatial Inference Pipeline API",
		Version: version,
		Endpoints: map[string]string{
			"upload":   "POST /api/jobs - Upload GeoTIFF files for processing",
			"status":   "GET /api/jobs/{id} - Check job status",
			"jobs":     "GET /api/jobs - List all jobs",
			"results":  "GET /api/jobs/{id}/results - Download COCO results",
			"attempts": "GET /api/jobs/{id}/attempts - Webhook delivery attempts",
			"webhook":  "POST /api/webhooks/test - Send a test webhook",
			"health":   "GET /healthz - Health check",
		},
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	}
}
