package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind classifies a remote failure for retry policy purposes.
type FailureKind string

const (
	// FailureTransient covers network errors, timeouts, and 5xx responses.
	// Recovered automatically via retry with backoff.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers validation/auth rejections and conflicts such
	// as a missing update target. Never retried automatically.
	FailurePermanent FailureKind = "permanent"
)

// RemoteError is the error surface of a RemoteStore. Status carries an
// HTTP-style code when the transport has one.
type RemoteError struct {
	Kind   FailureKind
	Status int
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s failure (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s failure: %v", e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable remote failure.
func Transient(err error) *RemoteError {
	return &RemoteError{Kind: FailureTransient, Err: err}
}

// Permanent wraps err as a terminal remote failure.
func Permanent(err error) *RemoteError {
	return &RemoteError{Kind: FailurePermanent, Err: err}
}

// Classify maps an error returned by a RemoteStore onto a failure kind.
// Unclassified errors are treated as transient: with client-side idempotency
// keys a spurious retry is safe, and most unwrapped errors at this boundary
// are connectivity problems.
func Classify(err error) FailureKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return FailureTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}
