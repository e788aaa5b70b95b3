package apperrors_test

import (
	"chatgogo/pairing/internal/apperrors"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := apperrors.New(apperrors.CodeUserBanned, "user u1 is banned")

	assert.True(t, errors.Is(err, apperrors.ErrUserBanned))
	assert.False(t, errors.Is(err, apperrors.ErrAlreadyInSession))
}

func TestAppError_WrappedChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("create session: %w", apperrors.Store(cause, "insert session"))

	assert.True(t, errors.Is(err, apperrors.ErrStore))
	assert.True(t, errors.Is(err, cause), "the original cause must stay reachable")
	assert.Equal(t, apperrors.CodeStore, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, "", apperrors.CodeOf(errors.New("boom")))
	assert.Equal(t, "", apperrors.CodeOf(nil))
}

func TestValidation(t *testing.T) {
	err := apperrors.Validation("limit %d out of range", -1)

	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, "VALIDATION_ERROR: limit -1 out of range", err.Error())
}
