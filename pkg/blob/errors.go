package blob

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrConflict indicates a conditional create lost to an existing object.
	// For leases and locks this is the coordination mechanism, not a failure.
	ErrConflict = errors.New("blob already exists")

	// ErrPermissionDenied indicates the store rejected the caller's identity.
	ErrPermissionDenied = errors.New("blob access denied")
)

// TransientError wraps store/network failures that are worth retrying with
// bounded backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient blob error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an absence signal.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a conditional-create conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
