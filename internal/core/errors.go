package core

import "errors"

// Error classes shared by every layer. Callers match them with errors.Is.
var (
	// ErrValidation marks malformed input or out-of-range values.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict marks an action incompatible with the job's current status.
	ErrConflict = errors.New("conflicting job status")
)
