package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the rule engine. Callers match with errors.Is.
var (
	ErrMissingField       = errors.New("missing field")
	ErrOutOfRange         = errors.New("value out of range")
	ErrInvalidCombination = errors.New("invalid threshold combination")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrPersistence        = errors.New("persistence failure")
	ErrSinkUnavailable    = errors.New("sink unavailable")
)

// FieldError describes a rejected input field. Kind is one of the
// validation sentinels above.
type FieldError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Kind
}

// NewFieldError is a small helper for the validator and the handlers.
func NewFieldError(kind error, field, reason string) *FieldError {
	return &FieldError{Kind: kind, Field: field, Reason: reason}
}
