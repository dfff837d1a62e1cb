package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
		want bool
	}{
		{"direct match", NewValidation("empty question"), CodeValidation, true},
		{"code mismatch", NewValidation("empty question"), CodeDispatch, false},
		{"wrapped", fmt.Errorf("submit: %w", NewNotInitialized("file")), CodeNotInitialized, true},
		{"plain error", errors.New("boom"), CodeInternal, false},
		{"nil", nil, CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.code))
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("classifier unavailable")
	err := NewRouting(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ROUTING")
	assert.Contains(t, err.Error(), "classifier unavailable")
}

func TestError_MessageWithoutCause(t *testing.T) {
	err := NewNotFound("what time is it")
	assert.Equal(t, "NOT_FOUND: not found: what time is it", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
