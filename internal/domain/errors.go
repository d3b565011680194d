package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input caught before any I/O.
	ErrValidation = errors.New("validation error")
	// ErrTransport marks a connection that could not be established or was lost.
	ErrTransport = errors.New("transport error")
	// ErrRequest marks a non-success answer from the remote service.
	ErrRequest = errors.New("request error")
	// ErrCancelled marks an operation superseded before it finished.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError carries a user-facing message. errors.Is(err, ErrValidation) holds.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RequestError is returned when the service answers with a failure.
type RequestError struct {
	Op      string
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

func (e *RequestError) Is(target error) bool { return target == ErrRequest }

// TransportErr wraps err so that errors.Is(err, ErrTransport) holds.
func TransportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
