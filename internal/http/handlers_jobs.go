// Package httpx provides the HTTP API for submitting geospatial inference jobs and
// reading their status and results.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/target/geoinfer-api/internal/adapters/artifact"
	"github.com/target/geoinfer-api/internal/core"
	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/service"
)

const (
	// DefaultMaxUploadBytes bounds a whole multipart submission.
	DefaultMaxUploadBytes = 1 << 30
	multipartMemory       = 32 << 20

	// HeaderIdempotencyKey lets clients retry a submission without creating a second job.
	HeaderIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// UploadSaver stores uploaded input files for a job.
type UploadSaver interface {
	Save(jobID, name string, r io.Reader) (string, int64, error)
	Remove(paths ...string) error
}

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc            *service.JobService
	Uploads        UploadSaver
	Artifacts      core.ArtifactStore
	MaxUploadBytes int64
	Logger         *slog.Logger
}

func (h *JobHandlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Submit accepts a multipart batch of GeoTIFF files and queues a job for it.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key != "" {
		existing, err := h.Svc.FindByIdempotencyKey(r.Context(), key)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		if existing != nil {
			writeSubmitted(w, existing, true)
			return
		}
	}

	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeUploadError(w, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		WriteError(w, ErrorParams{
			Code: http.StatusBadRequest, ErrCode: "validation_error",
			Err: errors.New("no files provided"), Field: "files",
		})
		return
	}
	seen := make(map[string]struct{}, len(files))
	for _, fh := range files {
		if !IsGeoTIFF(fh.Filename) {
			WriteError(w, ErrorParams{
				Code: http.StatusBadRequest, ErrCode: "validation_error",
				Err: fmt.Errorf("file %s is not a GeoTIFF file", fh.Filename), Field: "files",
			})
			return
		}
		base := artifact.BaseName(fh.Filename)
		if _, dup := seen[base]; dup {
			WriteError(w, ErrorParams{
				Code: http.StatusBadRequest, ErrCode: "validation_error",
				Err: fmt.Errorf("file %s appears more than once", base), Field: "files",
			})
			return
		}
		seen[base] = struct{}{}
	}

	jobID := h.Svc.NewJobID()
	paths, err := h.saveUploads(jobID, files)
	if err != nil {
		h.logger().ErrorContext(r.Context(), "store uploads", "job_id", jobID, "error", err)
		WriteError(w, ErrorParams{
			Code: http.StatusInternalServerError, ErrCode: "upload_failed",
			Err: errors.New("failed to store uploaded files"),
		})
		return
	}

	res, err := h.Svc.Submit(r.Context(), service.SubmitRequest{
		JobID:              jobID,
		InputFiles:         paths,
		NotificationTarget: formValue(r, "notification_target", "webhook_url"),
		APIKey:             formValue(r, "api_key"),
		IdempotencyKey:     key,
	})
	if err != nil {
		h.discard(r, paths)
		WriteServiceError(w, err)
		return
	}
	if !res.Created {
		h.discard(r, paths)
	}
	writeSubmitted(w, res.Job, !res.Created)
}

func (h *JobHandlers) saveUploads(jobID string, files []*multipart.FileHeader) ([]string, error) {
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		path, err := saveUpload(h.Uploads, jobID, fh)
		if err != nil {
			return nil, errors.Join(err, h.Uploads.Remove(paths...))
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func saveUpload(store UploadSaver, jobID string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	path, _, err := store.Save(jobID, fh.Filename, f)
	return path, err
}

func (h *JobHandlers) discard(r *http.Request, paths []string) {
	if err := h.Uploads.Remove(paths...); err != nil {
		h.logger().WarnContext(r.Context(), "remove unused uploads", "error", err)
	}
}

func writeSubmitted(w http.ResponseWriter, job *model.Job, replayed bool) {
	msg := fmt.Sprintf("Job created successfully. %d files uploaded.", job.TotalFiles)
	if replayed {
		w.Header().Set(headerReplayed, "true")
		msg = "Job already submitted with this Idempotency-Key."
	}
	WriteJSON(w, http.StatusAccepted, model.JobSubmitResponse{
		JobID:     job.ID,
		Status:    strings.ToLower(string(job.Status)),
		Message:   msg,
		CreatedAt: job.CreatedAt,
	})
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, ErrorParams{
			Code: http.StatusRequestEntityTooLarge, ErrCode: "upload_too_large",
			Err: fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_multipart", Err: err})
}

// IsGeoTIFF reports whether name has a .tif or .tiff extension.
func IsGeoTIFF(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".tif" || ext == ".tiff"
}

// formValue returns the first non-blank form or query value among keys.
func formValue(r *http.Request, keys ...string) *string {
	for _, k := range keys {
		if v := strings.TrimSpace(r.FormValue(k)); v != "" {
			return &v
		}
	}
	return nil
}

// Get returns a job snapshot.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

type statusResponse struct {
	JobID          string    `json:"job_id"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	TotalFiles     int       `json:"total_files"`
	ProcessedFiles int       `json:"processed_files"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Status returns the compact progress view served at /status/{id}.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, statusResponse{
		JobID:          job.ID,
		Status:         strings.ToLower(string(job.Status)),
		Progress:       job.Progress,
		TotalFiles:     job.TotalFiles,
		ProcessedFiles: job.ProcessedFiles,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	})
}

// List returns every job newest first, optionally projected by a JMESPath ?query=.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.Svc.Query(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// ListWrapped serves the legacy /jobs shape {"jobs": [...]}.
func (h *JobHandlers) ListWrapped(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Svc.List(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Attempts returns the webhook delivery audit trail for a job.
func (h *JobHandlers) Attempts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	attempts, err := h.Svc.Attempts(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if attempts == nil {
		attempts = []model.WebhookAttempt{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job_id": id, "attempts": attempts})
}

// Results streams the COCO document of a completed job.
func (h *JobHandlers) Results(w http.ResponseWriter, r *http.Request) {
	h.serveResults(w, r, r.PathValue("id"))
}

// Download serves /results/{name}, the download_url announced in webhooks.
func (h *JobHandlers) Download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	jobID, ok := strings.CutSuffix(name, "_coco_results.json")
	if !ok || jobID == "" || strings.ContainsAny(jobID, `/\`) {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errors.New("results not found")})
		return
	}
	h.serveResults(w, r, jobID)
}

func (h *JobHandlers) serveResults(w http.ResponseWriter, r *http.Request, jobID string) {
	loc, err := h.Svc.ResultLocation(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	rc, err := h.Artifacts.Open(r.Context(), loc)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteError(w, ErrorParams{
				Code: http.StatusNotFound, ErrCode: "not_found",
				Err: fmt.Errorf("results for job %s are missing", jobID),
			})
			return
		}
		h.logger().ErrorContext(r.Context(), "open artifact", "job_id", jobID, "error", err)
		WriteServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(loc)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger().WarnContext(r.Context(), "stream artifact", "job_id", jobID, "error", err)
	}
}
