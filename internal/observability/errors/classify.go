// Package errors reduces arbitrary errors to a small, bounded set of metric tag values.
package errors

import (
	"context"
	goerrors "errors"
	"net"

	apperrors "github.com/target/geoinfer-api/internal/errors"
)

// Error classes emitted as the error_class metric tag.
const (
	ClassTimeout     = "timeout"
	ClassCanceled    = "canceled"
	ClassNotFound    = "not_found"
	ClassValidation  = "validation"
	ClassConflict    = "conflict"
	ClassUnavailable = "unavailable"
	ClassNetwork     = "network"
	ClassUnknown     = "unknown"
)

// Classify returns the error class for err, or "" when err is nil.
// The result set is fixed so it is safe to use as a metric tag.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded), apperrors.IsTimeout(err):
		return ClassTimeout
	case goerrors.Is(err, context.Canceled), apperrors.IsCanceled(err):
		return ClassCanceled
	case apperrors.IsNotFound(err):
		return ClassNotFound
	case apperrors.IsValidation(err):
		return ClassValidation
	case apperrors.IsConflict(err):
		return ClassConflict
	case apperrors.IsUnavailable(err):
		return ClassUnavailable
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassUnknown
}
