package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeSlotUnavailable, "room is booked")
	wrapped := fmt.Errorf("create booking: %w", err)

	assert.Equal(t, CodeSlotUnavailable, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, CodeSlotUnavailable))
	assert.False(t, HasCode(wrapped, CodeCancelTooLate))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("deadline")
	err := Wrap(CodeServiceUnavailable, cause, "transaction timed out")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransient, err.Kind())
	assert.Contains(t, err.Error(), "SERVICE_UNAVAILABLE")
}

func TestKinds(t *testing.T) {
	cases := map[Code]Kind{
		CodeInvalidTimeRange:      KindValidation,
		CodeSlotUnavailable:       KindConflict,
		CodeInsufficientBalance:   KindResource,
		CodeAmountMismatch:        KindIntegrity,
		CodePaymentIntentNotFound: KindIntegrity,
		CodeServiceUnavailable:    KindTransient,
		Code("SOMETHING_ELSE"):    KindInternal,
	}
	for code, kind := range cases {
		assert.Equal(t, kind, KindOf(code), code)
	}
}
