package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryptolib/p11token/session"
)

func TestGetFunctionListReturnsSlotRegistry(t *testing.T) {
	slots := session.NewSlotRegistry()
	m := NewModule(slots)

	ft := m.GetFunctionList()
	assert.Same(t, slots, ft.Slots)
}

func TestGetInterfaceListOnlyExposesStandard(t *testing.T) {
	slots := session.NewSlotRegistry()
	m := NewModule(slots)

	ifaces := m.GetInterfaceList()
	require.Len(t, ifaces, 1)
	assert.Equal(t, StandardInterface, ifaces[0].Name)
}

func TestGetInterfaceLooksUpByName(t *testing.T) {
	slots := session.NewSlotRegistry()
	m := NewModule(slots)

	iface, ok := m.GetInterface(StandardInterface)
	require.True(t, ok)
	assert.NotNil(t, iface.Functions)

	_, ok = m.GetInterface(VendorInterface)
	assert.False(t, ok)
}
