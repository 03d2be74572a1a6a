package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound means the referenced id is absent from the expected
	// table. Callers that tolerate races (e.g. cancelling a job another
	// node just completed) recover from it locally.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidArgument covers malformed identifiers or counts supplied
	// to a command. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrJobBeingExecuted is returned when an operator tries to delete a
	// timer job that is currently under an unexpired lease.
	ErrJobBeingExecuted = errors.New("job is being executed")

	// ErrRetryPolicyMalformed means a repeat/backoff expression failed to
	// parse. Fatal for that job's automatic retry.
	ErrRetryPolicyMalformed = errors.New("repeat expression is malformed")
)

// ExecutionFailureError wraps the error raised by the resume callback,
// carrying the job id so outer rollback machinery knows which attempt
// failed. The retry evaluator has already run by the time this surfaces.
type ExecutionFailureError struct {
	JobID string
	Cause error
}

func (e *ExecutionFailureError) Error() string {
	return fmt.Sprintf("execution of job %s failed: %v", e.JobID, e.Cause)
}

func (e *ExecutionFailureError) Unwrap() error { return e.Cause }
