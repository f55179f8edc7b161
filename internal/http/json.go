package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/target/geoinfer-api/internal/data"
	apperrors "github.com/target/geoinfer-api/internal/errors"
	"github.com/target/geoinfer-api/internal/service"
)

const maxJSONBody = 1 << 20

// DecodeJSON decodes JSON from the request body into the destination and handles errors.
// Returns true if successful, false if there was an error (error response already written).
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}

	return true
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Response writer errors (e.g., client disconnect) can't be recovered from here.
		return
	}
}

// ErrorParams groups parameters for WriteError to adhere to the ≤3 params guideline.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
	Field   string
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// WriteError writes a JSON error response using ErrorParams.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, errorBody{Error: p.ErrCode, Message: p.Err.Error(), Field: p.Field})
}

// WriteServiceError maps a service or store error onto the shared error envelope.
// Internal errors are reported without their cause.
func WriteServiceError(w http.ResponseWriter, err error) {
	WriteError(w, classifyError(err))
}

func classifyError(err error) ErrorParams {
	switch {
	case errors.Is(err, data.ErrJobNotFound):
		return ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err}
	case errors.Is(err, data.ErrDuplicateJob):
		return ErrorParams{Code: http.StatusConflict, ErrCode: "duplicate_job", Err: err}
	case errors.Is(err, data.ErrInvalidTransition):
		return ErrorParams{Code: http.StatusConflict, ErrCode: "invalid_transition", Err: err}
	case errors.Is(err, service.ErrIdempotencyInFlight):
		return ErrorParams{Code: http.StatusConflict, ErrCode: "idempotency_in_flight", Err: err}
	}

	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeNotFound:
		return ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err}
	case apperrors.ErrCodeConflict:
		return ErrorParams{Code: http.StatusConflict, ErrCode: "conflict", Err: err}
	case apperrors.ErrCodeValidation:
		return ErrorParams{
			Code: http.StatusBadRequest, ErrCode: "validation_error", Err: err,
			Field: apperrors.GetField(err),
		}
	case apperrors.ErrCodeUnavailable:
		return ErrorParams{
			Code: http.StatusServiceUnavailable, ErrCode: "unavailable",
			Err: errors.New("job store unavailable"),
		}
	default:
		return ErrorParams{
			Code: http.StatusInternalServerError, ErrCode: "internal_error",
			Err: errors.New("internal server error"),
		}
	}
}
