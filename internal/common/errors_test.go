package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_AggregatesViolations(t *testing.T) {
	verr := &ValidationError{}
	require.NoError(t, verr.OrNil())

	verr.Add("amount.positive", "amount must be greater than zero")
	verr.Add("merchant.required", "merchant is required")

	err := verr.OrNil()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, []string{"amount.positive", "merchant.required"}, verr.Rules())
	assert.Contains(t, err.Error(), "amount.positive")
	assert.Contains(t, err.Error(), "merchant.required")
	assert.Equal(t, "2 fields are invalid", verr.Description())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: (&ValidationError{Violations: []Violation{{Rule: "r"}}}).OrNil(), want: KindValidation},
		{name: "wrapped not found", err: fmt.Errorf("get: %w", NewNotFound("expense", "e1")), want: KindNotFound},
		{name: "conflict", err: NewConflict("stale base", "amount"), want: KindConflict},
		{name: "corruption", err: &CorruptionError{ID: "e1", Details: "bad amount"}, want: KindCorruption},
		{name: "persistence", err: NewPersistenceError("save", errors.New("disk full")), want: KindPersistence},
		{name: "busy", err: ErrBusy, want: KindPersistence},
		{name: "canceled", err: context.Canceled, want: KindCanceled},
		{name: "other", err: errors.New("boom"), want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	busy := NewPersistenceError("commit", fmt.Errorf("database is locked: %w", ErrBusy))
	assert.True(t, IsRetryable(busy))
	assert.True(t, IsRetryable(ErrBusy))

	assert.False(t, IsRetryable(NewPersistenceError("commit", errors.New("disk I/O error"))))
	assert.False(t, IsRetryable(NewNotFound("expense", "x")))
	assert.False(t, IsRetryable(NewConflict("stale")))
	assert.False(t, IsRetryable((&ValidationError{Violations: []Violation{{Rule: "r"}}}).OrNil()))
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(&RetryableError{Err: errors.New("x"), Retryable: true}))
}

func TestDescribe(t *testing.T) {
	desc, hint := Describe(NewConflict("stale base"))
	assert.Equal(t, "the record changed while you were editing it", desc)
	assert.Equal(t, "refresh and retry", hint)

	desc, hint = Describe(fmt.Errorf("wrapped: %w", NewNotFound("template", "t1")))
	assert.Equal(t, "the template no longer exists", desc)
	assert.Equal(t, "refresh the list", hint)

	desc, _ = Describe(NewUserError("could not open database", errors.New("permission denied")))
	assert.Equal(t, "could not open database", desc)
}

func TestNewPersistenceError_DoesNotDoubleWrap(t *testing.T) {
	inner := NewPersistenceError("save", errors.New("boom"))
	outer := NewPersistenceError("commit", inner)
	assert.Same(t, inner, outer)
	assert.NoError(t, NewPersistenceError("noop", nil))
}
