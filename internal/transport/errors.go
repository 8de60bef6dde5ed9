package transport

import (
	"errors"
	"fmt"
)

// TransientError is a failure worth retrying: network errors, timeouts, 408, 429, 5xx
// and responses that could not be read or decoded.
type TransientError struct {
	StatusCode  int
	Unreachable bool
	Err         error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient sync failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectionError is a 4xx answer other than 408 and 429. It is never retried.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sync rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("sync rejected with status %d: %s", e.StatusCode, e.Message)
}

// ExhaustedError reports that every attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Last     *TransientError
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("sync gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsUnreachable reports whether err means the server could not be contacted at all.
func IsUnreachable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient) && transient.Unreachable
}
