package versionista

import (
	"errors"
	"fmt"
)

// AuthenticationError means the vendor rejected the login. It aborts the run.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// SchemaError means an upstream payload no longer matches the expected shape.
type SchemaError struct {
	Endpoint string
	Field    string
	Err      error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("unexpected schema at %s", e.Endpoint)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// InvalidComparisonError means a comparison link did not lead to a diff host.
type InvalidComparisonError struct {
	URL      string
	FinalURL string
	Status   int
}

func (e *InvalidComparisonError) Error() string {
	return fmt.Sprintf("invalid comparison %s (status %d, resolved to %s)", e.URL, e.Status, e.FinalURL)
}

// InvalidVersionError means the content API rejected a version URL.
type InvalidVersionError struct {
	URL    string
	Status int
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %s (status %d)", e.URL, e.Status)
}

// DiffAPIError means the diff host's API rejected a resolved comparison.
type DiffAPIError struct {
	URL    string
	Status int
	Body   string
}

func (e *DiffAPIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("diff api %s returned status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("diff api %s returned status %d: %s", e.URL, e.Status, e.Body)
}

// NoContentError means content stayed unavailable after cache-expiry retries.
type NoContentError struct {
	URL      string
	Attempts int
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("no content for %s after %d attempts", e.URL, e.Attempts)
}

// IsFatal reports whether err must abort a whole run rather than a single unit.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
