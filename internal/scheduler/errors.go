package scheduler

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// NetworkError wraps a transport-level failure for a scheduled request.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is returned alongside the last response when a
// request kept matching its retry predicate after every allowed attempt.
type RetriesExhaustedError struct {
	URL      string
	Attempts int
	Response *Response
}

func (e *RetriesExhaustedError) Error() string {
	status := 0
	if e.Response != nil {
		status = e.Response.StatusCode
	}
	return fmt.Sprintf("%s still failing after %d attempts (status %d)", e.URL, e.Attempts, status)
}

// IsConnectionReset reports whether err is a dropped-connection transport
// failure worth retrying.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
