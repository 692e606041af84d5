// Package syncerr defines the error taxonomy shared by the sync engine.
//
// The taxonomy drives retry decisions: only network-class errors are
// retryable; validation, rejection, and local database errors fail
// immediately without consuming a retry slot. Errors can be checked
// with errors.Is / errors.As:
//
//	if syncerr.IsRetryable(err) {
//	    // schedule a retry
//	}
package syncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for taxonomy checks via errors.Is.
var (
	// ErrNetwork marks transient transport failures (connection refused,
	// timeout, 5xx, 408, 429). These are absorbed by the retry policy.
	ErrNetwork = errors.New("network error")

	// ErrValidation marks a malformed client payload. Fatal for the
	// entry, surfaced to the user immediately, never retried.
	ErrValidation = errors.New("validation error")

	// ErrDatabase marks a local persistence failure. Fatal for the
	// affected entry only; other entries continue.
	ErrDatabase = errors.New("database error")

	// ErrRejected marks a permanent server-side rejection of an
	// operation. Never retried; the entry is dead-lettered.
	ErrRejected = errors.New("operation rejected")

	// ErrDeadLetter marks an operation that exhausted its retry budget.
	// Surfaced as a persistent "needs attention" indicator.
	ErrDeadLetter = errors.New("dead-lettered after exhausting retries")
)

// NetworkError is a transient transport failure. Op names the operation
// that failed (push, pull, upload); Err is the underlying cause.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error during %s", e.Op)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is makes NetworkError match ErrNetwork under errors.Is.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ValidationError reports a malformed client payload.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// Is makes ValidationError match ErrValidation under errors.Is.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DatabaseError reports a local persistence failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Is makes DatabaseError match ErrDatabase under errors.Is.
func (e *DatabaseError) Is(target error) bool { return target == ErrDatabase }

// RejectedError reports a permanent server-side rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("operation rejected: %s", e.Reason)
}

// Is makes RejectedError match ErrRejected under errors.Is.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// DeadLetterError reports that an outbox entry exhausted its retry budget.
type DeadLetterError struct {
	EntryID  int64
	Attempts int
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("entry %d dead-lettered after %d attempts", e.EntryID, e.Attempts)
}

// Is makes DeadLetterError match ErrDeadLetter under errors.Is.
func (e *DeadLetterError) Is(target error) bool { return target == ErrDeadLetter }

// IsRetryable returns true if the error may succeed on retry.
// Only network-class errors qualify; everything else fails immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork)
}

// IsUserVisible returns true if the error must be surfaced to the user
// rather than absorbed by the retry machinery.
func IsUserVisible(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDeadLetter)
}

// RetryableStatus returns true for HTTP status codes that indicate a
// transient condition: 408, 429, and all 5xx.
func RetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == 408 || code == 429
}
