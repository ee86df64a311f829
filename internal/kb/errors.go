package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Every error leaving this package unwraps to exactly
// one of these; callers branch with errors.Is and never parse message text.
var (
	ErrValidation       = errors.New("validation error")
	ErrUnauthorized     = errors.New("unauthorized access")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("concurrent modification")
	ErrInvalidReference = errors.New("invalid reference")
	ErrDuplicate        = errors.New("duplicate entry")
	ErrTableRestricted  = errors.New("table access restricted")
	ErrTimeout          = errors.New("upstream timeout")
)

// Error is a typed engine error carrying a remediation hint and structured
// details alongside the sentinel kind.
type Error struct {
	Kind    error
	Message string
	Hint    string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

// NewValidation creates a validation error for caller input.
func NewValidation(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NewUnauthorized creates an authorization denial with a remediation hint.
func NewUnauthorized(message, hint string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: message, Hint: hint}
}

// NewNotFound creates a not-found error for an entity id.
func NewNotFound(entityType, id string) *Error {
	return &Error{
		Kind:    ErrNotFound,
		Message: fmt.Sprintf("%s %q not found", entityType, id),
		Details: map[string]any{"entity_type": entityType, "entity_id": id},
	}
}

// NewConflict creates a concurrent-modification error. The caller is expected
// to re-read and retry; the engine never retries writes on its own.
func NewConflict(entityType, id string, expected, stored int64) *Error {
	return &Error{
		Kind:    ErrConflict,
		Message: fmt.Sprintf("%s %q version %d is behind stored version %d", entityType, id, expected, stored),
		Hint:    "re-read the entity and reapply the change",
		Details: map[string]any{"expected_version": expected, "stored_version": stored},
	}
}

// NewInvalidReference creates an error for a relationship whose endpoints do
// not exist or whose type pair is not permitted.
func NewInvalidReference(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidReference, Message: fmt.Sprintf(format, args...)}
}

// Code returns the wire error code for an error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED_ACCESS"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONCURRENT_MODIFICATION"
	case errors.Is(err, ErrInvalidReference):
		return "INVALID_REFERENCE"
	case errors.Is(err, ErrDuplicate):
		return "DUPLICATE_ENTRY"
	case errors.Is(err, ErrTableRestricted):
		return "TABLE_ACCESS_RESTRICTED"
	case errors.Is(err, ErrTimeout):
		return "UPSTREAM_TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

// Status returns the HTTP-style status for an error kind, used in the
// response envelope.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidReference):
		return 400
	case errors.Is(err, ErrUnauthorized):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate):
		return 409
	case errors.Is(err, ErrTableRestricted):
		return 501
	case errors.Is(err, ErrTimeout):
		return 504
	default:
		return 500
	}
}

// Retryable reports whether the caller may safely retry the operation.
// Only upstream timeouts are retryable; conflicts require a re-read first.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Hint extracts the remediation hint, if the error carries one.
func Hint(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Details extracts structured details, if the error carries any.
func Details(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// mapStoreError translates SQLite/driver errors into the typed taxonomy at
// the store boundary. Context errors become timeouts so callers can retry;
// everything else is wrapped with the entity context but keeps its kind.
func mapStoreError(err error, entityType, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{
			Kind:    ErrTimeout,
			Message: fmt.Sprintf("store call for %s %q exceeded its deadline", entityType, id),
			Hint:    "retry the operation",
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFound(entityType, id)
	}
	if isUniqueViolation(err) {
		return &Error{
			Kind:    ErrDuplicate,
			Message: fmt.Sprintf("%s violates a uniqueness constraint", entityType),
			Details: map[string]any{"entity_type": entityType, "entity_id": id},
		}
	}
	if isMissingTable(err) {
		return &Error{
			Kind:    ErrTableRestricted,
			Message: fmt.Sprintf("storage for %s is not provisioned; this is a deployment gap, not a permissions decision", entityType),
		}
	}
	return fmt.Errorf("%s %q: %w", entityType, id, err)
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isMissingTable checks if an error reports a table that was never created.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
