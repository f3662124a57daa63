package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("identifier conflict")
	ErrUnavailable = errors.New("store unavailable")
)

// ConflictError reports a unique identifier collision.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// SerializationError reports a stored field that could not be decoded.
// Reads log it and continue with the field defaulted.
type SerializationError struct {
	Entity string
	ID     string
	Field  string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decode %s %s field %s: %v", e.Entity, e.ID, e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func notFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}
