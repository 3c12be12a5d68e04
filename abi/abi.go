// Package abi documents the PKCS#11 C entry-point boundary (spec.md
// section 6.1) without implementing it: C_GetFunctionList,
// C_GetInterfaceList, and C_GetInterface are the three functions a
// loadable module exports so a host can discover its own function
// table. Marshaling those into a cgo-exported CK_FUNCTION_LIST is
// explicitly out of this module's core scope (spec.md section 1); this
// package only holds the Go-side function table an adapter binary
// would wire into such an export.
package abi

import (
	"github.com/kryptolib/p11token/session"
)

// InterfaceName identifies one ABI-visible interface, mirroring the
// CK_INTERFACE name string PKCS#11 3.0 hosts query by.
type InterfaceName string

const (
	// StandardInterface is the interface name a Cryptoki 3.0 host asks
	// for by default ("PKCS 11").
	StandardInterface InterfaceName = "PKCS 11"
	// VendorInterface would carry any module-specific extensions; none
	// are defined, kept only as a named slot for C_GetInterfaceList.
	VendorInterface InterfaceName = "Vendor P11Token"
)

// FunctionTable is the Go-side equivalent of CK_FUNCTION_LIST: a set of
// function values a cgo adapter would copy into the C struct it
// exports. It holds only the slot registry those entry points would
// dispatch into; it has no per-function fields.
type FunctionTable struct {
	Slots *session.SlotRegistry
}

// Interface pairs a name with the function table behind it, the Go
// analogue of CK_INTERFACE.
type Interface struct {
	Name      InterfaceName
	Functions *FunctionTable
}

// Module is the top-level object a host obtains once (by dlopen'ing
// the adapter's shared object and calling C_GetFunctionList in the
// real ABI); here it is just the Go value that binds a SlotRegistry to
// the interfaces this module exposes.
type Module struct {
	slots *session.SlotRegistry
}

// NewModule wraps slots as the backing store for every interface this
// module exposes.
func NewModule(slots *session.SlotRegistry) *Module {
	return &Module{slots: slots}
}

// GetFunctionList is the Go-callable equivalent of C_GetFunctionList:
// it returns the one function table this module implements. A cgo
// adapter binary calls this once at C_GetFunctionList time and copies
// the result into the CK_FUNCTION_LIST_PTR the host supplied.
func (m *Module) GetFunctionList() *FunctionTable {
	return &FunctionTable{Slots: m.slots}
}

// GetInterfaceList is the Go-callable equivalent of C_GetInterfaceList
// (PKCS#11 3.0): every interface this module exposes, which today is
// just the standard one.
func (m *Module) GetInterfaceList() []Interface {
	return []Interface{
		{Name: StandardInterface, Functions: m.GetFunctionList()},
	}
}

// GetInterface is the Go-callable equivalent of C_GetInterface: looks
// up a single named interface, or reports it unknown. It takes no
// version argument: this module exposes exactly one version of the
// standard interface.
func (m *Module) GetInterface(name InterfaceName) (*Interface, bool) {
	for _, iface := range m.GetInterfaceList() {
		if iface.Name == name {
			return &iface, true
		}
	}
	return nil, false
}
