package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "workflow not found")
	assert.Equal(t, "[NOT_FOUND] workflow not found", err.Error())

	err = NewErrorf(ErrCodeInvalidTransition, "invalid job transition: %s -> %s", "completed", "processing")
	assert.Equal(t, "[INVALID_TRANSITION] invalid job transition: completed -> processing", err.Error())
}

func TestFlowError_UnwrapChain(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodePersistence, "write failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)

	// Wrapping with fmt keeps the code discoverable through the chain.
	wrapped := fmt.Errorf("enqueue: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodePersistence))

	var fe *FlowError
	require.ErrorAs(t, wrapped, &fe)
	assert.Equal(t, ErrCodePersistence, fe.Code)
}

func TestIsCode(t *testing.T) {
	err := NewError(ErrCodeDuplicate, "already seen")
	assert.True(t, IsCode(err, ErrCodeDuplicate))
	assert.False(t, IsCode(err, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeDuplicate))
	assert.False(t, IsCode(nil, ErrCodeDuplicate))
}

func TestFlowError_WithDetails(t *testing.T) {
	err := NewError(ErrCodeInvalidTransition, "bad edge").
		WithDetails(map[string]any{"from": "completed", "to": "pending"})
	assert.Equal(t, "completed", err.Details["from"])
	assert.Equal(t, "pending", err.Details["to"])
}
