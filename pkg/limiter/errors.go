package limiter

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is matched by every error caused by the shared
	// counter store. Callers choose whether to fail open or closed on it.
	ErrStoreUnavailable = errors.New("limiter: counter store unavailable")

	ErrInvalidConfig = errors.New("limiter: invalid connection config")
	ErrInvalidPolicy = errors.New("limiter: invalid policy")
)

// StoreError wraps a failed store operation. errors.Is reports true for both
// ErrStoreUnavailable and the underlying cause.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("limiter: store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// IsStoreUnavailable reports whether err came from the counter store.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
