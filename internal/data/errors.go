package data

import apperrors "github.com/target/geoinfer-api/internal/errors"

// Shared sentinel errors for the job stores. Each carries an AppError code so the
// HTTP layer can map it without knowing about the data package.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = apperrors.NotFound("job not found")
	// ErrDuplicateJob is returned when creating a job whose id already exists.
	ErrDuplicateJob = apperrors.Conflict("job already exists")
	// ErrInvalidTransition is returned when an update would leave a terminal state
	// or skip a state the lifecycle requires.
	ErrInvalidTransition = apperrors.Conflict("job status transition not allowed")
	// ErrInvalidProgress is returned for progress values outside 0..100 or negative counts.
	ErrInvalidProgress = apperrors.Validation("progress must be within 0..100 and processed files >= 0")
)
