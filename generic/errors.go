/*
errors.go - Centralized error types for every engine

PURPOSE:
  All error kinds in one place. Engines return these (or structured
  errors that unwrap to them); the HTTP layer maps kinds to status codes.

ERROR CATEGORIES:
  1. Validation     - bad input or business-rule rejection (400)
  2. NotFound       - referenced entity absent (404)
  3. State          - operation invalid in the current state (409)
  4. PermissionDenied - authorization gate rejection (403)
  5. Conflict       - unique constraint / already processed (409)
  6. Transient      - store contention or failure, caller may resubmit (503)

USAGE:
    if errors.Is(err, generic.ErrValidation) { ... }

    var verr *generic.ValidationError
    if errors.As(err, &verr) { fmt.Println(verr.Field) }

SEE ALSO:
  - api/errors.go: kind -> HTTP status mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrState            = errors.New("invalid state")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrTransient        = errors.New("transient failure")

	// ErrAlreadyExists is returned by Tx.Create when the document exists.
	ErrAlreadyExists = fmt.Errorf("document already exists: %w", ErrConflict)

	// ErrConcurrentModification is returned when a document read inside a
	// transaction changed before commit. The store retries these.
	ErrConcurrentModification = fmt.Errorf("concurrent modification detected: %w", ErrTransient)

	// ErrReadAfterWrite is returned when a transaction reads after it has
	// staged a write. All reads must precede all writes.
	ErrReadAfterWrite = errors.New("transaction read after write")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateError reports an operation that is not valid for the entity's current state.
type StateError struct {
	Entity string
	ID     string
	Reason string
}

func NewStateError(entity, id, reason string) *StateError {
	return &StateError{Entity: entity, ID: id, Reason: reason}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Entity, e.ID, e.Reason)
}

func (e *StateError) Unwrap() error { return ErrState }

// ConflictError reports a duplicate of something that must be unique.
type ConflictError struct {
	Entity string
	Key    string
}

func NewConflictError(entity, key string) *ConflictError {
	return &ConflictError{Entity: entity, Key: key}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransientError wraps a store failure that gave up after Attempts tries.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Kind classifies an error for callers that map errors to responses.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindState            Kind = "state"
	KindPermissionDenied Kind = "permission_denied"
	KindConflict         Kind = "conflict"
	KindTransient        Kind = "transient"
	KindInternal         Kind = "internal"
)

// KindOf returns the taxonomy kind of err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrState):
		return KindState
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the whole operation might succeed on resubmission.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindState, KindConflict, KindPermissionDenied:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
