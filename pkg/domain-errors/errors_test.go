package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodes(t *testing.T) {
	t.Run("wrapped error keeps code and cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(cause, CodeAuditWrite, "append audit record")

		assert.True(t, HasCode(err, CodeAuditWrite))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "append audit record: disk full", err.Error())
	})

	t.Run("code survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeApprovalConflict, "reviewer required"))
		assert.Equal(t, CodeApprovalConflict, CodeOf(err))
	})

	t.Run("plain error maps to internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
		assert.False(t, Is(errors.New("boom"), CodeNotFound))
	})

	t.Run("wrap of nil is nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "unused"))
	})
}

func TestTransitionError(t *testing.T) {
	err := NewTransition("completed", "in_progress", "session is terminal")

	assert.True(t, HasCode(err, CodeInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "completed", te.Current)
	assert.Equal(t, "in_progress", te.Attempted)
	assert.Contains(t, err.Error(), "session is terminal")
}

func TestApprovalConflictError(t *testing.T) {
	err := NewApprovalConflict("pending_review", "approve", "no reviewer decision yet")

	assert.True(t, HasCode(err, CodeApprovalConflict))

	var ae *ApprovalConflictError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "pending_review", ae.Current)
	assert.Equal(t, "approve", ae.Stage)
}
