package domain

import (
	"errors"
	"fmt"
)

// ErrExtractionSkipped signals that a snapshot produced no audit entry, either
// because its type is not tracked or because no tracked field held a value.
// Callers treat it as a no-op, not a failure.
var ErrExtractionSkipped = errors.New("extraction skipped")

// ValidationError reports caller input that cannot be interpreted, naming the
// offending field so the transport layer can surface it verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports a read of a record that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StoreError wraps a failure from the backing document store with the
// operation that triggered it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
