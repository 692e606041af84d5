package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"network", &NetworkError{Op: "push", Err: errors.New("refused")}, ErrNetwork},
		{"validation", &ValidationError{Reason: "missing title"}, ErrValidation},
		{"database", &DatabaseError{Op: "enqueue", Err: errors.New("locked")}, ErrDatabase},
		{"rejected", &RejectedError{Reason: "stale schema"}, ErrRejected},
		{"dead letter", &DeadLetterError{EntryID: 7, Attempts: 10}, ErrDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%T, sentinel) = false", tt.err)
			}
			// Wrapping must not break the match.
			wrapped := fmt.Errorf("sync cycle: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("wrapped %T lost its sentinel match", tt.err)
			}
		})
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &NetworkError{Op: "pull", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("NetworkError does not unwrap to its cause")
	}

	dbCause := errors.New("disk full")
	dbErr := &DatabaseError{Op: "put", Err: dbCause}
	if !errors.Is(dbErr, dbCause) {
		t.Error("DatabaseError does not unwrap to its cause")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&NetworkError{Op: "push"}) {
		t.Error("network errors must be retryable")
	}

	notRetryable := []error{
		nil,
		&ValidationError{Reason: "bad"},
		&DatabaseError{Op: "x"},
		&RejectedError{Reason: "no"},
		&DeadLetterError{EntryID: 1},
		errors.New("unclassified"),
	}
	for _, err := range notRetryable {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true", err)
		}
	}
}

func TestIsUserVisible(t *testing.T) {
	if !IsUserVisible(&ValidationError{Reason: "bad"}) {
		t.Error("validation errors must surface to the user")
	}
	if !IsUserVisible(&DeadLetterError{EntryID: 1, Attempts: 10}) {
		t.Error("dead-letter errors must surface to the user")
	}
	if IsUserVisible(&NetworkError{Op: "push"}) {
		t.Error("network errors are absorbed by retries, not surfaced")
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false}, {400, false}, {404, false}, {409, false}, {422, false},
		{408, true}, {429, true}, {500, true}, {502, true}, {503, true},
	}
	for _, tt := range tests {
		if got := RetryableStatus(tt.code); got != tt.want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
