package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the record store
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueUnavailable is returned when a task could not be handed to the broker.
	// The job has been marked FAILED by the time the caller sees it.
	ErrQueueUnavailable = errors.New("failed to queue analysis job")

	// ErrJobNotPending is returned when a status change targets a job that
	// already reached a terminal state
	ErrJobNotPending = errors.New("job is no longer pending")

	// ErrMalformedMessage is returned when a broker delivery cannot be decoded
	ErrMalformedMessage = errors.New("malformed broker message")
)

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
