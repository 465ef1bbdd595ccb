package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// TimeoutError indicates a request exceeded its deadline. Retryable.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out", e.Op)
}

// NetworkError indicates the request never produced an HTTP response.
// Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError indicates a non-2xx HTTP response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// classify maps a transport-level error to the client error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &TimeoutError{Op: op}
	}
	return &NetworkError{Op: op, Err: err}
}
