package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError(t *testing.T) {
	err := NewDomainError(CodeOverpayment, "would exceed invoice total")
	assert.Equal(t, "would exceed invoice total", err.Error())
	assert.Equal(t, CodeOverpayment, err.Code)
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("amount %s is not positive", "-10")
	assert.Equal(t, CodeValidation, err.Code)
	assert.Equal(t, "amount -10 is not positive", err.Message)
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("payment", "abc-123")
	assert.Equal(t, CodeNotFound, err.Code)
	assert.Contains(t, err.Message, "payment abc-123")
}

func TestNewInvalidTransitionError(t *testing.T) {
	err := NewInvalidTransitionError("COMPLETED", "START_PROCESSING")
	assert.Equal(t, CodeInvalidTransition, err.Code)
	assert.Contains(t, err.Message, "COMPLETED")
	assert.Contains(t, err.Message, "START_PROCESSING")
}

func TestErrorCode(t *testing.T) {
	t.Run("domain error", func(t *testing.T) {
		assert.Equal(t, CodeLedgerPosted, ErrorCode(NewDomainError(CodeLedgerPosted, "posted")))
	})

	t.Run("wrapped domain error", func(t *testing.T) {
		wrapped := fmt.Errorf("processing failed: %w", NewTransientStoreError("timeout"))
		assert.Equal(t, CodeTransientStore, ErrorCode(wrapped))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Empty(t, ErrorCode(errors.New("boom")))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Empty(t, ErrorCode(nil))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransientStoreError("connection reset")))

	// everything else is permanent
	assert.False(t, IsRetryable(NewValidationError("bad input")))
	assert.False(t, IsRetryable(NewNotFoundError("payment", "x")))
	assert.False(t, IsRetryable(NewDomainError(CodePermanentStore, "constraint violation")))
	assert.False(t, IsRetryable(NewRetryExhaustedError("no attempts left")))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("invoice", "x")))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsNotFound(NewValidationError("bad input")))
}
