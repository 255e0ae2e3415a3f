package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/service"
)

func fastRetry(attempts int) service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestWithRetry_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewPersistenceError("commit", ErrBusy)
		}
		return nil
	}, fastRetry(3))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return NewPersistenceError("commit", ErrBusy)
	}, fastRetry(2))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_NeverRetriesPermanentErrors(t *testing.T) {
	permanent := []error{
		NewNotFound("expense", "e1"),
		NewConflict("stale base"),
		(&ValidationError{Violations: []Violation{{Rule: "amount.positive"}}}).OrNil(),
		errors.New("disk I/O error"),
	}

	for _, want := range permanent {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			return want
		}, fastRetry(5))

		assert.ErrorIs(t, err, want)
		assert.NotErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, 1, calls, "error %v must not be retried", want)
	}
}

func TestWithRetry_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		return NewPersistenceError("commit", ErrBusy)
	}, fastRetry(5))

	assert.ErrorIs(t, err, context.Canceled)
}
