package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a landscape error code.
type ErrorCode string

const (
	ErrInvalidInput       ErrorCode = "INVALID_INPUT"       // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"      // 404
	ErrUnknownJob         ErrorCode = "UNKNOWN_JOB"         // 404
	ErrUnknownWorker      ErrorCode = "UNKNOWN_WORKER"      // 404
	ErrDuplicateStructure ErrorCode = "DUPLICATE_STRUCTURE" // 409 (recovered locally)
	ErrWorkerTimeout      ErrorCode = "WORKER_TIMEOUT"      // 410
	ErrCancelled          ErrorCode = "CANCELLED"           // 499
	ErrInternal           ErrorCode = "INTERNAL"            // 500
)

// LandscapeError represents a structured error with code, status, and details.
type LandscapeError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *LandscapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidInput creates a 400 error for malformed coordinates, energies or requests.
func NewInvalidInput(msg string) *LandscapeError {
	return &LandscapeError{
		Code:    ErrInvalidInput,
		Status:  400,
		Message: msg,
	}
}

// NewDimensionMismatch creates a 400 error for a coordinate vector of the wrong length.
func NewDimensionMismatch(want, got int) *LandscapeError {
	return &LandscapeError{
		Code:    ErrInvalidInput,
		Status:  400,
		Message: fmt.Sprintf("coordinate vector has %d components, want %d", got, want),
		Details: map[string]any{"want": want, "got": got},
	}
}

// NewNotFound creates a 404 error for a record that cannot be found.
func NewNotFound(kind string, id any) *LandscapeError {
	return &LandscapeError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %v", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *LandscapeError {
	return &LandscapeError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewUnknownJob creates a 404 error for a stale, pruned or forged job id.
func NewUnknownJob(jobID string) *LandscapeError {
	return &LandscapeError{
		Code:    ErrUnknownJob,
		Status:  404,
		Message: fmt.Sprintf("unknown job: %s", jobID),
		Details: map[string]any{"job_id": jobID},
	}
}

// NewUnknownWorker creates a 404 error for a worker id that was never registered.
func NewUnknownWorker(workerID string) *LandscapeError {
	return &LandscapeError{
		Code:    ErrUnknownWorker,
		Status:  404,
		Message: fmt.Sprintf("unknown worker: %s", workerID),
		Details: map[string]any{"worker_id": workerID},
	}
}

// NewDuplicateStructure creates a 409 error for a record that already exists.
// Callers that can recover (dedup) return the existing record instead.
func NewDuplicateStructure(kind string, id int64) *LandscapeError {
	return &LandscapeError{
		Code:    ErrDuplicateStructure,
		Status:  409,
		Message: fmt.Sprintf("%s already exists: %d", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewWorkerTimeout creates a 410 error for a worker that was reaped after missing heartbeats.
func NewWorkerTimeout(workerID string) *LandscapeError {
	return &LandscapeError{
		Code:    ErrWorkerTimeout,
		Status:  410,
		Message: fmt.Sprintf("worker %s timed out; register again", workerID),
		Details: map[string]any{"worker_id": workerID},
	}
}

// NewCancelled creates a 499 error when an operation is cancelled via context.
func NewCancelled(operation string) *LandscapeError {
	return &LandscapeError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", operation),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message is generic; the original error is kept in Details for logging.
func NewInternal(err error) *LandscapeError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &LandscapeError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
	}
}

// Is checks if an error is (or wraps) a LandscapeError with the given code.
func Is(err error, code ErrorCode) bool {
	var lErr *LandscapeError
	if stderrors.As(err, &lErr) {
		return lErr.Code == code
	}
	return false
}

// As extracts a LandscapeError from err, wrapping unknown errors as internal.
func As(err error) *LandscapeError {
	var lErr *LandscapeError
	if stderrors.As(err, &lErr) {
		return lErr
	}
	return NewInternal(err)
}
