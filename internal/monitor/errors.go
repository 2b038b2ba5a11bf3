package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks records rejected before persistence.
	ErrValidation = errors.New("validation failed")
	// ErrInactivePage is returned when a capture targets a page that is no
	// longer monitored.
	ErrInactivePage = errors.New("page is inactive")
	// ErrConflict is returned by stores when a unique record already exists.
	ErrConflict = errors.New("record already exists")
)

// ValidationError reports the offending field of a rejected record.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return invalid(field, format, args...)
}
