package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryptolib/p11token/attribute"
)

func TestNewHandlesAreFreshAndMonotonic(t *testing.T) {
	a := New()
	b := New()
	assert.NotEqual(t, InvalidHandle, a.Handle())
	assert.NotEqual(t, InvalidHandle, b.Handle())
	assert.Less(t, uint64(a.Handle()), uint64(b.Handle()))
}

func TestSetGetAttrRoundTrip(t *testing.T) {
	o := New()
	labelAttr, err := attribute.FromString(attribute.Label, "my object")
	require.NoError(t, err)
	o.SetAttr(labelAttr)

	got, ok := o.GetAttr(attribute.Label)
	require.True(t, ok)
	s, err := got.String()
	require.NoError(t, err)
	assert.Equal(t, "my object", s)

	assert.True(t, o.HasAttr(attribute.Label))
	assert.False(t, o.HasAttr(attribute.Value))
}

func TestAttributesPreservesFirstSetOrder(t *testing.T) {
	o := New()
	labelAttr, _ := attribute.FromString(attribute.Label, "a")
	classAttr, _ := attribute.FromULong(attribute.Class, 0)
	o.SetAttr(labelAttr)
	o.SetAttr(classAttr)
	o.SetAttr(labelAttr) // re-setting an existing code must not reorder it

	codes := make([]attribute.Code, 0)
	for _, a := range o.Attributes() {
		codes = append(codes, a.Code())
	}
	assert.Equal(t, []attribute.Code{attribute.Label, attribute.Class}, codes)
}

func TestMarkSensitiveHidesFromNothingButIsQueryable(t *testing.T) {
	o := New()
	valAttr, _ := attribute.FromBytes(attribute.Value, []byte("secret"))
	o.SetAttr(valAttr)
	assert.False(t, o.IsSensitive(attribute.Value))
	o.MarkSensitive(attribute.Value)
	assert.True(t, o.IsSensitive(attribute.Value))

	// GetAttr itself does not gate on sensitivity — that is the caller's job.
	_, ok := o.GetAttr(attribute.Value)
	assert.True(t, ok)
}

func TestDeleteAttrRemovesFromOrderAndMap(t *testing.T) {
	o := New()
	labelAttr, _ := attribute.FromString(attribute.Label, "a")
	o.SetAttr(labelAttr)
	o.DeleteAttr(attribute.Label)
	assert.False(t, o.HasAttr(attribute.Label))
	assert.Empty(t, o.Attributes())
}

func TestZeroizeOverwritesSensitiveValuesOnly(t *testing.T) {
	o := New()
	valAttr, _ := attribute.FromBytes(attribute.Value, []byte("secret-bytes"))
	labelAttr, _ := attribute.FromString(attribute.Label, "not secret")
	o.SetAttr(valAttr)
	o.SetAttr(labelAttr)
	o.MarkSensitive(attribute.Value)

	o.Zeroize()

	gotVal, _ := o.GetAttr(attribute.Value)
	assert.Equal(t, make([]byte, len("secret-bytes")), gotVal.Bytes())

	gotLabel, _ := o.GetAttr(attribute.Label)
	s, _ := gotLabel.String()
	assert.Equal(t, "not secret", s)
}

func TestSetZeroizeZeroesEveryAttribute(t *testing.T) {
	o := New()
	valAttr, _ := attribute.FromBytes(attribute.Value, []byte("key material"))
	o.SetAttr(valAttr)
	o.SetZeroize()
	o.Zeroize()

	gotVal, _ := o.GetAttr(attribute.Value)
	assert.Equal(t, make([]byte, len("key material")), gotVal.Bytes())
}

func TestCloneAllocatesFreshHandlePreservingAttrsAndSensitivity(t *testing.T) {
	o := New()
	valAttr, _ := attribute.FromBytes(attribute.Value, []byte("secret"))
	o.SetAttr(valAttr)
	o.MarkSensitive(attribute.Value)

	clone := o.Clone()
	assert.NotEqual(t, o.Handle(), clone.Handle())
	assert.True(t, clone.IsSensitive(attribute.Value))

	gotVal, ok := clone.GetAttr(attribute.Value)
	require.True(t, ok)
	assert.Equal(t, []byte("secret"), gotVal.Bytes())
}

func TestIsTokenAndIsPrivateDefaults(t *testing.T) {
	o := New()
	assert.False(t, o.IsToken())
	assert.True(t, o.IsPrivate())

	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	o.SetAttr(tokenAttr)
	assert.True(t, o.IsToken())
}
