package conversations

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a conversation, message or branch point is absent.
	ErrNotFound = errors.New("conversations: not found")
	// ErrInvalidState indicates that an operation cannot proceed from the conversation's current state.
	ErrInvalidState = errors.New("conversations: invalid state")
	// ErrConcurrencyConflict indicates an optimistic-lock failure; callers may retry.
	ErrConcurrencyConflict = errors.New("conversations: concurrency conflict")
	// ErrInvalidInput indicates that caller supplied values failed validation.
	ErrInvalidInput = errors.New("conversations: invalid input")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// Error kinds reported by ErrorKind.
const (
	KindNotFound            = "not_found"
	KindInvalidState        = "invalid_state"
	KindConcurrencyConflict = "conflict"
	KindInvalidInput        = "invalid_input"
	KindInternal            = "internal"
)

// ServiceError carries a stable "<operation>.<reason>" code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorKind classifies err into one of the Kind constants. A nil error yields "".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}
