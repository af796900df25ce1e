package credentials

import (
	"errors"
	"strings"
)

var (
	ErrValidation      = errors.New("credentials: validation failed")
	ErrOwnershipDenied = errors.New("credentials: ownership denied")
	ErrNotFound        = errors.New("credentials: not found")
	ErrConflict        = errors.New("credentials: usable mapping already exists for client")
	ErrPersistence     = errors.New("credentials: persistence failure")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates field errors. It matches ErrValidation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "credentials: validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
