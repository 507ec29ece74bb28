package blterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsKindAndDetail(t *testing.T) {
	err := New(ErrTimeout, "connect", ErrTimedOut)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Equal(t, "connect: timeout: timed out", err.Error())
}

func TestError_Wrapped(t *testing.T) {
	inner := Errorf(ErrFormat, "parse", "line %d: %w", 3, ErrChecksumMismatch)
	err := fmt.Errorf("load firmware: %w", inner)

	assert.ErrorIs(t, err, ErrFormat)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, ErrFormat, KindOf(err))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "parse", e.Op)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{nil, nil},
		{errors.New("plain"), nil},
		{New(ErrConfig, "", nil), ErrConfig},
		{New(ErrRange, "segment", ErrIndexOutOfRange), ErrRange},
		{New(ErrAuthentication, "unlock", nil), ErrAuthentication},
		{New(ErrAuthentication, "unlock", New(ErrProtocol, "UNLOCK", ErrTargetRejected)), ErrAuthentication},
		{fmt.Errorf("wrapped: %w", New(ErrTimeout, "CONNECT", ErrTimedOut)), ErrTimeout},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, KindOf(tc.err))
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, ResultOK, Code(nil))
	assert.Equal(t, ResultErrorGeneric, Code(New(ErrProtocol, "x", nil)))
	assert.Equal(t, ResultErrorGeneric, Code(errors.New("x")))
}
