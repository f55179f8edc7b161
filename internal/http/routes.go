package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/geoinfer-api/internal/core"
	"github.com/target/geoinfer-api/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs      *service.JobService
	Uploads   UploadSaver
	Artifacts core.ArtifactStore
	// Optional: enables POST /api/webhooks/test.
	Webhooks       WebhookTester
	HealthChecks   map[string]HealthCheck
	MaxUploadBytes int64
	Version        string
	Logger         *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobs := &JobHandlers{
		Svc:            services.Jobs,
		Uploads:        services.Uploads,
		Artifacts:      services.Artifacts,
		MaxUploadBytes: services.MaxUploadBytes,
		Logger:         services.Logger,
	}
	registerJobRoutes(mux, jobs)
	registerLegacyRoutes(mux, jobs)

	if services.Webhooks != nil {
		hooks := &WebhookHandlers{Tester: services.Webhooks}
		mux.HandleFunc("POST /api/webhooks/test", hooks.Test)
	}

	health := &HealthHandlers{Checks: services.HealthChecks}
	mux.HandleFunc("GET /healthz", health.Health)
	mux.HandleFunc("HEAD /healthz", health.Health)

	version := services.Version
	if version == "" {
		version = "1.0.0"
	}
	mux.Handle("GET /{$}", rootHandler(version))

	return mux
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Submit)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("GET /api/jobs/{id}/results", h.Results)
	mux.HandleFunc("GET /api/jobs/{id}/attempts", h.Attempts)
	mux.HandleFunc("GET /results/{name}", h.Download)
}

// registerLegacyRoutes keeps the original unversioned paths working.
func registerLegacyRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /upload", h.Submit)
	mux.HandleFunc("GET /status/{id}", h.Status)
	mux.HandleFunc("GET /jobs", h.ListWrapped)
}
