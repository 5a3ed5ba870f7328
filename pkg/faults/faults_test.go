package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(err, base))
	assert.Nil(t, Transient(nil))
}

func TestFatalWrapping(t *testing.T) {
	base := errors.New("schema migration failed")
	err := Fatal(base)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatal))
	assert.True(t, errors.Is(err, base))
	assert.Nil(t, Fatal(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", Transient(errors.New("boom")), true},
		{"timeout", fmt.Errorf("%w: slot acquisition", ErrTimeout), true},
		{"rate limited", fmt.Errorf("%w: no token", ErrRateLimited), true},
		{"tripped", fmt.Errorf("%w: stage file-analysis", ErrTripped), false},
		{"prerequisite", ErrPrerequisite, false},
		{"validation", ErrValidation, false},
		{"shutdown", ErrShutdown, false},
		{"fatal", Fatal(errors.New("boom")), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(nil))

	err := FromContext(context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	err = FromContext(context.Canceled)
	assert.True(t, errors.Is(err, ErrShutdown))

	plain := errors.New("unrelated")
	assert.Equal(t, plain, FromContext(plain))
}
