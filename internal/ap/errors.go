package ap

import (
	"errors"
	"fmt"
)

// Error kinds distinguished by the federation core. Handlers return
// these; the HTTP boundary translates them to status codes and the
// background executors consume the retryable ones.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrFetchFailed   = errors.New("fetch failed")
	ErrDeliverFailed = errors.New("delivery failed")
	ErrDatabase      = errors.New("database error")

	// ErrGone is returned when a remote resource responds with HTTP 410.
	// This typically means the actor or object has been deleted.
	ErrGone = errors.New("resource gone (410)")
)

// ValidationError is a schema, size, or business-rule violation. It
// carries the failing field so the boundary can surface it without
// leaking internals.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for a field.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
