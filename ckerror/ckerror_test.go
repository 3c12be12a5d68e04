package ckerror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStringUsesSymbolicName(t *testing.T) {
	err := New(PinIncorrect)
	assert.Equal(t, "CKR_PIN_INCORRECT", err.Error())
}

func TestUnknownCodeStringsFallBackToHex(t *testing.T) {
	err := New(Code(0xABCD))
	assert.Contains(t, err.Error(), "0xabcd")
}

func TestWrapNeverLeaksCauseThroughError(t *testing.T) {
	cause := errors.New("gcm: message authentication failed")
	err := Wrap(EncryptedDataInvalid, cause)
	assert.Equal(t, "CKR_ENCRYPTED_DATA_INVALID", err.Error())
	assert.NotContains(t, err.Error(), "authentication")
	assert.Equal(t, cause, err.Cause())
	assert.Equal(t, cause, err.Unwrap())
}

func TestIsComparesByCode(t *testing.T) {
	a := New(PinLocked)
	b := New(PinLocked)
	c := New(PinIncorrect)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestVendorCodesAreInTheVendorRange(t *testing.T) {
	assert.GreaterOrEqual(t, uint32(TokenNotInitialized), uint32(vendorBase))
}
