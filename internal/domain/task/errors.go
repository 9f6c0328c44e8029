package task

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports an attempt that did not finish within its timeout.
	ErrTimeout = errors.New("task timeout")
	// ErrFailed reports work that returned an error. The cause is wrapped alongside.
	ErrFailed = errors.New("task failed")
	// ErrCancelled reports a task cancelled before it resolved.
	ErrCancelled = errors.New("task cancelled")
)

// Failed wraps cause so that both errors.Is(err, ErrFailed) and
// errors.Is(err, cause) hold.
func Failed(cause error) error {
	return fmt.Errorf("%w: %w", ErrFailed, cause)
}

// Timeout wraps the attempt timeout with its configured duration.
func Timeout(after fmt.Stringer) error {
	return fmt.Errorf("%w after %s", ErrTimeout, after)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. The scheduler surfaces it without
// spending the remaining retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
