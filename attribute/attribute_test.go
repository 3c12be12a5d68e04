package attribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromULongRoundTrip(t *testing.T) {
	a, err := FromULong(ValueLen, 65537)
	require.NoError(t, err)
	assert.Equal(t, ULongType, a.Type())
	got, err := a.ULong()
	require.NoError(t, err)
	assert.Equal(t, uint64(65537), got)
}

func TestNewRejectsUnregisteredCode(t *testing.T) {
	_, err := New(Code(0x9999), []byte{0x01})
	assert.Error(t, err)
}

func TestBoolWrongLengthRejected(t *testing.T) {
	_, err := New(Token, []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestTypeMismatchAccessorsFail(t *testing.T) {
	a, err := FromString(Label, "my key")
	require.NoError(t, err)
	_, err = a.ULong()
	assert.Error(t, err)
	_, err = a.Bool()
	assert.Error(t, err)
}

func TestZeroizeClearsValue(t *testing.T) {
	a, err := FromBytes(Value, []byte("secret"))
	require.NoError(t, err)
	a.Zeroize()
	assert.Equal(t, make([]byte, len("secret")), a.Bytes())
}

func TestJSONValueRoundTripBytes(t *testing.T) {
	a, err := FromBytes(Value, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)
	jv, err := a.MarshalJSONValue()
	require.NoError(t, err)

	back, err := FromJSONValue(Value, jv)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), back.Bytes())
}

func TestJSONValueRoundTripBool(t *testing.T) {
	a, err := FromBool(Encrypt, true)
	require.NoError(t, err)
	jv, err := a.MarshalJSONValue()
	require.NoError(t, err)

	back, err := FromJSONValue(Encrypt, jv)
	require.NoError(t, err)
	gotBool, err := back.Bool()
	require.NoError(t, err)
	assert.True(t, gotBool)
}

func TestByNameResolvesRegisteredNames(t *testing.T) {
	code, ok := ByName("CKA_LABEL")
	require.True(t, ok)
	assert.Equal(t, Label, code)

	_, ok = ByName("CKA_DOES_NOT_EXIST")
	assert.False(t, ok)
}
