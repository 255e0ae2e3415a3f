// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common application errors.
var (
	// Persistence errors.
	ErrNotFound    = errors.New("not found")
	ErrFaulted     = errors.New("record faulted")
	ErrBusy        = errors.New("store busy")
	ErrPersistence = errors.New("persistence failure")
	ErrCorruption  = errors.New("record corrupted")

	// Domain errors.
	ErrValidation          = errors.New("validation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorKind classifies errors for callers that must react to them.
type ErrorKind string

// Error kinds.
const (
	KindUnknown     ErrorKind = "unknown"
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindPersistence ErrorKind = "persistence"
	KindConflict    ErrorKind = "conflict"
	KindCorruption  ErrorKind = "corruption"
	KindCanceled    ErrorKind = "canceled"
)

// Violation is one broken validation rule.
type Violation struct {
	Rule    string
	Message string
}

// ValidationError lists every rule an input violated.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Rule + ": " + v.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add records a violation.
func (e *ValidationError) Add(rule, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Rules lists the violated rule names in order.
func (e *ValidationError) Rules() []string {
	rules := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		rules[i] = v.Rule
	}
	return rules
}

// OrNil returns e when it holds violations and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Description returns a short description for display.
func (e *ValidationError) Description() string {
	if len(e.Violations) == 1 {
		return e.Violations[0].Message
	}
	return fmt.Sprintf("%d fields are invalid", len(e.Violations))
}

// Suggestion returns a recovery hint.
func (e *ValidationError) Suggestion() string { return "correct the highlighted fields and save again" }

// NotFoundError reports a record that does not exist or was deleted.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, ErrNotFound)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Description returns a short description for display.
func (e *NotFoundError) Description() string { return fmt.Sprintf("the %s no longer exists", e.Kind) }

// Suggestion returns a recovery hint.
func (e *NotFoundError) Suggestion() string { return "refresh the list" }

// NewNotFound creates a NotFoundError.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// PersistenceError wraps a failure of the underlying store.
type PersistenceError struct {
	Cause     error
	Op        string
	Transient bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Description returns a short description for display.
func (e *PersistenceError) Description() string { return "the expense store could not complete " + e.Op }

// Suggestion returns a recovery hint.
func (e *PersistenceError) Suggestion() string {
	if e.Transient {
		return "wait a moment and retry"
	}
	return "check the database file and retry"
}

// NewPersistenceError wraps cause, marking it transient when the store reported contention.
func NewPersistenceError(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(cause, &pe) {
		return cause
	}
	return &PersistenceError{Op: op, Cause: cause, Transient: errors.Is(cause, ErrBusy)}
}

// ConflictError reports a write computed against data that changed underneath it.
type ConflictError struct {
	Reason string
	Fields []string
}

func (e *ConflictError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (%s)", ErrConcurrencyConflict, e.Reason, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s: %s", ErrConcurrencyConflict, e.Reason)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// Description returns a short description for display.
func (e *ConflictError) Description() string { return "the record changed while you were editing it" }

// Suggestion returns a recovery hint.
func (e *ConflictError) Suggestion() string { return "refresh and retry" }

// NewConflict creates a ConflictError.
func NewConflict(reason string, fields ...string) error {
	return &ConflictError{Reason: reason, Fields: fields}
}

// CorruptionError reports a stored record that cannot be read.
type CorruptionError struct {
	ID      string
	Details string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrCorruption, e.ID, e.Details)
}

// Is matches ErrCorruption.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// Description returns a short description for display.
func (e *CorruptionError) Description() string { return "a stored expense could not be read" }

// Suggestion returns a recovery hint.
func (e *CorruptionError) Suggestion() string { return "delete or re-enter the affected expense" }

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConflict
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrBusy), errors.Is(err, ErrFaulted):
		return KindPersistence
	}
	return KindUnknown
}

// Describe returns a short description and recovery suggestion for err.
func Describe(err error) (description, suggestion string) {
	var d interface {
		Description() string
		Suggestion() string
	}
	if errors.As(err, &d) {
		return d.Description(), d.Suggestion()
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.UserMessage, ""
	}
	if err == nil {
		return "", ""
	}
	return err.Error(), "retry"
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
// Only transient store failures qualify; validation, not-found and conflicts never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Transient
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return errors.Is(err, ErrBusy)
}
