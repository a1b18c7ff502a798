// Package errors holds the error taxonomy shared by the sync coordinator,
// the event dispatcher and the API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic write lost against a
	// concurrent writer.
	ErrConflict = errors.New("conflict")

	ErrInvalidInput = errors.New("invalid input")

	// ErrCapacityExceeded means a task queue is full; the caller must shed
	// load or try again later.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	ErrCircuitOpen = errors.New("circuit open")
)

func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// RemoteError is a failure reported by, or on the way to, an external
// system such as a marketplace API or a webhook receiver.
type RemoteError struct {
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s remote error (HTTP %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s remote error: %v", kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Retryable marks err as a transient transport failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Retryable: true, Err: err}
}

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Retryable: false, Err: err}
}

// FromStatus builds a RemoteError for a non-2xx HTTP response.
func FromStatus(code int, body string) error {
	return &RemoteError{
		Retryable:  RetryableStatus(code),
		StatusCode: code,
		Err:        fmt.Errorf("%s: %s", http.StatusText(code), body),
	}
}

// IsRetryable reports whether err should consume automatic retry budget.
// Unclassified errors are treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}

// RetryableStatus reports whether an HTTP status is worth retrying:
// 408, 429 and every 5xx.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
