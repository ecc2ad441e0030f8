package notes

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable indicates a transport failure or a timed out reachability check.
	ErrUnreachable = errors.New("notes: server unreachable")
	// ErrConflict indicates that an incoming write is not strictly newer than the stored one,
	// or that a created note already exists.
	ErrConflict = errors.New("notes: conflict")
	// ErrNotFound indicates an operation on an unknown note id.
	ErrNotFound = errors.New("notes: not found")
	// ErrInvalidPayload indicates a malformed request or field.
	ErrInvalidPayload = errors.New("notes: invalid payload")
	// ErrInternal indicates an unexpected persistence fault.
	ErrInternal = errors.New("notes: internal error")
)

// ServiceError carries a stable machine-readable code alongside the cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func internalError(cause error) error {
	return fmt.Errorf("%w: %w", ErrInternal, cause)
}
