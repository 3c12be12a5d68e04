package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
)

func dataTemplate(t *testing.T, label string, value []byte) []attribute.Attribute {
	t.Helper()
	classAttr, err := attribute.FromULong(attribute.Class, ClassData)
	require.NoError(t, err)
	labelAttr, err := attribute.FromString(attribute.Label, label)
	require.NoError(t, err)
	valAttr, err := attribute.FromBytes(attribute.Value, value)
	require.NoError(t, err)
	return []attribute.Attribute{classAttr, labelAttr, valAttr}
}

func TestCreateFromTemplateBuildsDataObject(t *testing.T) {
	r := NewRegistry()
	obj, err := r.CreateFromTemplate(dataTemplate(t, "note", []byte("hello")))
	require.NoError(t, err)

	labelAttr, ok := obj.GetAttr(attribute.Label)
	require.True(t, ok)
	s, _ := labelAttr.String()
	assert.Equal(t, "note", s)

	// Defaults from commonStorage must be installed even though the
	// caller never set them.
	tokenAttr, ok := obj.GetAttr(attribute.Token)
	require.True(t, ok)
	tokenVal, _ := tokenAttr.Bool()
	assert.False(t, tokenVal)
}

func TestCreateFromTemplateRejectsUnknownAttribute(t *testing.T) {
	r := NewRegistry()
	attrs := dataTemplate(t, "note", []byte("hello"))
	modExp, _ := attribute.FromBytes(attribute.PublicExponent, []byte{0x01, 0x00, 0x01})
	attrs = append(attrs, modExp)

	_, err := r.CreateFromTemplate(attrs)
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.AttributeTypeInvalid, ce.Code)
}

func TestCreateFromTemplateMissingClassIsIncomplete(t *testing.T) {
	r := NewRegistry()
	labelAttr, _ := attribute.FromString(attribute.Label, "note")
	_, err := r.CreateFromTemplate([]attribute.Attribute{labelAttr})
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.TemplateIncomplete, ce.Code)
}

func TestDefaultObjectGenerateRequiresValueLenForAESKey(t *testing.T) {
	r := NewRegistry()
	typeAttr, _ := attribute.FromULong(attribute.KeyType, KeyTypeAES)
	_, err := r.DefaultObjectGenerate(ClassSecretKey, KeyTypeAES, []attribute.Attribute{typeAttr})
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.TemplateIncomplete, ce.Code)
}

func TestDefaultObjectGenerateRejectsCallerSuppliedValue(t *testing.T) {
	r := NewRegistry()
	typeAttr, _ := attribute.FromULong(attribute.KeyType, KeyTypeAES)
	lenAttr, _ := attribute.FromULong(attribute.ValueLen, 16)
	valAttr, _ := attribute.FromBytes(attribute.Value, make([]byte, 16))

	_, err := r.DefaultObjectGenerate(ClassSecretKey, KeyTypeAES, []attribute.Attribute{typeAttr, lenAttr, valAttr})
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.TemplateInconsistent, ce.Code)
}

func TestDefaultObjectUnwrapInstallsValueAndRejectsUnsettableUniqueID(t *testing.T) {
	r := NewRegistry()
	typeAttr, _ := attribute.FromULong(attribute.KeyType, KeyTypeAES)

	obj, err := r.DefaultObjectUnwrap(ClassSecretKey, KeyTypeAES, []attribute.Attribute{typeAttr}, []byte("unwrapped key bytes"))
	require.NoError(t, err)
	valAttr, ok := obj.GetAttr(attribute.Value)
	require.True(t, ok)
	assert.Equal(t, []byte("unwrapped key bytes"), valAttr.Bytes())

	uidAttr, _ := attribute.FromString(attribute.UniqueID, "caller-supplied")
	_, err = r.DefaultObjectUnwrap(ClassSecretKey, KeyTypeAES, []attribute.Attribute{typeAttr, uidAttr}, []byte("x"))
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.TemplateInconsistent, ce.Code)
}

func TestCopyRequiresCopyableAndHonorsChangeOnCopy(t *testing.T) {
	r := NewRegistry()
	src, err := r.CreateFromTemplate(dataTemplate(t, "note", []byte("hello")))
	require.NoError(t, err)

	newLabel, _ := attribute.FromString(attribute.Label, "renamed")
	_, err = r.Copy(src, []attribute.Attribute{newLabel})
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.TemplateInconsistent, ce.Code)

	destroyableAttr, _ := attribute.FromBool(attribute.Destroyable, false)
	dst, err := r.Copy(src, []attribute.Attribute{destroyableAttr})
	require.NoError(t, err)
	assert.NotEqual(t, src.Handle(), dst.Handle())
	assert.False(t, dst.IsDestroyable())

	nonCopyable, _ := attribute.FromBool(attribute.Copyable, false)
	src.SetAttr(nonCopyable)
	_, err = r.Copy(src, nil)
	ce, ok = err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.TemplateInconsistent, ce.Code)
}

func TestKeySizePolicyEnforcesAESWidths(t *testing.T) {
	assert.NoError(t, KeySizePolicy(KeyTypeAES, 16))
	assert.NoError(t, KeySizePolicy(KeyTypeAES, 24))
	assert.NoError(t, KeySizePolicy(KeyTypeAES, 32))
	assert.Error(t, KeySizePolicy(KeyTypeAES, 20))
}

func TestKeySizePolicyRejectsUndersizedRSAModulus(t *testing.T) {
	assert.Error(t, KeySizePolicy(KeyTypeRSA, 64))
	assert.NoError(t, KeySizePolicy(KeyTypeRSA, 256))
}
