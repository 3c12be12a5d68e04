// Package storage implements the two interchangeable StorageRaw
// backends of spec.md section 6.3: a human-inspectable JSON file and a
// GORM-backed SQL store. Neither backend interprets CKA_VALUE as
// encrypted or not — the token package is responsible for sealing and
// opening sensitive attribute values through the aci package before
// and after calling into this one.
package storage

import (
	"fmt"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/object"
)

// TokenInfo is the persisted token-info record of spec.md section 6.3.
type TokenInfo struct {
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Flags        uint64
}

// AuthInfo is the persisted per-user auth record of spec.md section
// 6.3: Data carries the DER KProtectedData envelope wrapping the
// master key under this user's PIN.
type AuthInfo struct {
	Name       string
	DefaultPin bool
	Attempts   uint64
	Data       []byte
}

// SearchFilter is a conjunction of attribute-equality constraints, per
// spec.md section 4.4's `search` contract.
type SearchFilter struct {
	Attrs []attribute.Attribute
}

// ErrNotFound reports that a token, user, or object lookup found
// nothing — not itself an error condition during `initialize` (spec.md
// section 7: "'not found' during initialize is not an error — it means
// a fresh token"), so callers must check for it explicitly rather than
// treating every error as Device-Error.
type ErrNotFound struct {
	Resource string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("storage: %s not found", e.Resource)
}

// StorageRaw is the persistence contract every backend implements,
// named exactly as spec.md section 6.3 enumerates it.
type StorageRaw interface {
	StoreTokenInfo(info TokenInfo) error
	FetchTokenInfo() (TokenInfo, error)
	StoreUser(id string, info AuthInfo) error
	FetchUser(id string) (AuthInfo, error)
	StoreObj(obj *object.Object) error
	Search(filter SearchFilter) ([]*object.Object, error)
	DeleteObj(uniqueID string) error
}

// objectFromAttrs reconstructs an Object from a decoded attribute
// code/value map, the shape both backends use internally.
func objectFromAttrs(attrs map[attribute.Code]attribute.Attribute) *object.Object {
	obj := object.New()
	for _, a := range attrs {
		obj.SetAttr(a)
	}
	return obj
}

func matchesFilter(obj *object.Object, filter SearchFilter) bool {
	for _, want := range filter.Attrs {
		got, ok := obj.GetAttr(want.Code())
		if !ok {
			return false
		}
		if string(got.Bytes()) != string(want.Bytes()) {
			return false
		}
	}
	return true
}
