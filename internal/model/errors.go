package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrAccessDenied      = errors.New("access denied")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRequested  = errors.New("ride already requested")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClosed            = errors.New("view closed")
	ErrTransient         = errors.New("transient network failure")
)

// TransientError wraps a failed mutation call. The optimistic change that
// preceded it has been rolled back; the user may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err unless it already carries a definitive classification.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotAuthenticated, ErrAccessDenied, ErrNotFound, ErrAlreadyRequested, ErrInvalidTransition, ErrClosed} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &TransientError{Op: op, Err: err}
}

// Code maps an error to the short code sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyRequested):
		return "already_requested"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "internal"
}
