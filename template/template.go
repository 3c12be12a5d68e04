// Package template implements the per-(object class, key type) schema
// engine of spec.md section 4.1: admissibility checking for
// create/generate/unwrap/copy, default installation, and the
// sensitive/read-only/change-on-copy flag semantics.
package template

import (
	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
)

// Class values (CKO_*), carried as CKA_CLASS attribute values.
const (
	ClassData uint64 = iota
	ClassCertificate
	ClassPublicKey
	ClassPrivateKey
	ClassSecretKey
)

// Key type values (CKK_*), carried as CKA_KEY_TYPE attribute values.
const (
	KeyTypeRSA uint64 = iota
	KeyTypeAES
	KeyTypeGenericSecret
)

// CertificateTypeX509 is the sole CKA_CERTIFICATE_TYPE value this
// module supports (CKC_X_509).
const CertificateTypeX509 uint64 = 0

// Flag is a bitset of the admissibility rules spec.md section 4.1
// attaches to a template entry.
type Flag uint16

const (
	RequiredOnCreate Flag = 1 << iota
	RequiredOnGenerate
	UnsettableOnCreate
	UnsettableOnGenerate
	UnsettableOnUnwrap
	SensitiveFlag
	ChangeOnCopy
	HasDefault
)

// Entry is one attribute's schema within a class/key-type template.
type Entry struct {
	Code    attribute.Code
	Type    attribute.Type
	Default attribute.Attribute
	Flags   Flag
}

func (e Entry) has(f Flag) bool { return e.Flags&f != 0 }

// classKey identifies a template by (class, key type). Non-key classes
// (data, certificate) use KeyType 0 with isKey false, so they never
// collide with the RSA templates, whose key type is also 0 (see
// Registry.lookup).
type classKey struct {
	class   uint64
	keyType uint64
	isKey   bool
}

// Registry holds the composed attribute-entry fragments for every
// (class, key type) pair the token supports. Per spec.md section 9,
// fragments are composed explicitly (common-object + common-storage +
// common-key + class-specific) rather than via inheritance.
type Registry struct {
	entries map[classKey][]Entry
}

// commonObject is the fragment every object, regardless of class,
// composes first.
func commonObject() []Entry {
	return []Entry{
		{Code: attribute.Class, Type: attribute.ULongType, Flags: RequiredOnCreate | RequiredOnGenerate},
		{Code: attribute.UniqueID, Type: attribute.StringType, Flags: UnsettableOnCreate | UnsettableOnGenerate | UnsettableOnUnwrap},
	}
}

// commonStorage is composed by anything persistable (keys, certs, data
// objects) — the CKA_TOKEN/CKA_PRIVATE/CKA_LABEL/CKA_MODIFIABLE family.
func commonStorage() []Entry {
	falseDefault, _ := attribute.FromBool(attribute.Token, false)
	trueDefault, _ := attribute.FromBool(attribute.Private, true)
	modDefault, _ := attribute.FromBool(attribute.Modifiable, true)
	copyDefault, _ := attribute.FromBool(attribute.Copyable, true)
	destroyDefault, _ := attribute.FromBool(attribute.Destroyable, true)
	return []Entry{
		{Code: attribute.Token, Type: attribute.BoolType, Default: falseDefault, Flags: HasDefault},
		{Code: attribute.Private, Type: attribute.BoolType, Default: trueDefault, Flags: HasDefault},
		{Code: attribute.Label, Type: attribute.StringType},
		{Code: attribute.Modifiable, Type: attribute.BoolType, Default: modDefault, Flags: HasDefault},
		{Code: attribute.Copyable, Type: attribute.BoolType, Default: copyDefault, Flags: HasDefault | ChangeOnCopy},
		{Code: attribute.Destroyable, Type: attribute.BoolType, Default: destroyDefault, Flags: HasDefault | ChangeOnCopy},
	}
}

// commonKey is composed by every key object (secret, public, private):
// CKA_KEY_TYPE plus the permitted-operation booleans named in spec.md
// section 3's "key" invariant.
func commonKey() []Entry {
	falseB, _ := attribute.FromBool(attribute.Encrypt, false)
	return []Entry{
		{Code: attribute.KeyType, Type: attribute.ULongType, Flags: RequiredOnCreate | RequiredOnGenerate},
		{Code: attribute.Encrypt, Type: attribute.BoolType, Default: falseB, Flags: HasDefault},
		{Code: attribute.Decrypt, Type: attribute.BoolType, Default: mustBool(attribute.Decrypt, false), Flags: HasDefault},
		{Code: attribute.Sign, Type: attribute.BoolType, Default: mustBool(attribute.Sign, false), Flags: HasDefault},
		{Code: attribute.Verify, Type: attribute.BoolType, Default: mustBool(attribute.Verify, false), Flags: HasDefault},
		{Code: attribute.Wrap, Type: attribute.BoolType, Default: mustBool(attribute.Wrap, false), Flags: HasDefault},
		{Code: attribute.Unwrap, Type: attribute.BoolType, Default: mustBool(attribute.Unwrap, false), Flags: HasDefault},
		{Code: attribute.Derive, Type: attribute.BoolType, Default: mustBool(attribute.Derive, false), Flags: HasDefault},
		{Code: attribute.Sensitive, Type: attribute.BoolType, Default: mustBool(attribute.Sensitive, false), Flags: HasDefault},
		{Code: attribute.Extractable, Type: attribute.BoolType, Default: mustBool(attribute.Extractable, true), Flags: HasDefault},
	}
}

func mustBool(code attribute.Code, v bool) attribute.Attribute {
	a, err := attribute.FromBool(code, v)
	if err != nil {
		panic(err)
	}
	return a
}

// NewRegistry builds the default registry: secret key (AES and generic
// secret), RSA key pair (public + private), data object, and X.509
// certificate classes. This mirrors the
// fixed set of templates a real token would register at startup.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[classKey][]Entry)}

	r.entries[classKey{class: ClassSecretKey, keyType: KeyTypeAES, isKey: true}] = compose(
		commonObject(), commonStorage(), commonKey(), secretKeyFragment(),
	)
	r.entries[classKey{class: ClassSecretKey, keyType: KeyTypeGenericSecret, isKey: true}] = compose(
		commonObject(), commonStorage(), commonKey(), secretKeyFragment(),
	)
	r.entries[classKey{class: ClassPublicKey, keyType: KeyTypeRSA, isKey: true}] = compose(
		commonObject(), commonStorage(), commonKey(), rsaPublicFragment(),
	)
	r.entries[classKey{class: ClassPrivateKey, keyType: KeyTypeRSA, isKey: true}] = compose(
		commonObject(), commonStorage(), commonKey(), rsaPrivateFragment(),
	)
	r.entries[classKey{class: ClassData}] = compose(
		commonObject(), commonStorage(), dataFragment(),
	)
	r.entries[classKey{class: ClassCertificate}] = compose(
		commonObject(), commonStorage(), certificateFragment(),
	)
	return r
}

func compose(fragments ...[]Entry) []Entry {
	var out []Entry
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}

func secretKeyFragment() []Entry {
	return []Entry{
		{Code: attribute.Value, Type: attribute.BytesType, Flags: SensitiveFlag | UnsettableOnGenerate},
		{Code: attribute.ValueLen, Type: attribute.ULongType, Flags: RequiredOnGenerate | UnsettableOnCreate},
	}
}

func rsaPublicFragment() []Entry {
	return []Entry{
		{Code: attribute.Modulus, Type: attribute.BytesType, Flags: UnsettableOnGenerate},
		{Code: attribute.PublicExponent, Type: attribute.BytesType},
	}
}

func rsaPrivateFragment() []Entry {
	return []Entry{
		{Code: attribute.Modulus, Type: attribute.BytesType, Flags: UnsettableOnGenerate},
		{Code: attribute.PublicExponent, Type: attribute.BytesType, Flags: UnsettableOnGenerate},
		{Code: attribute.PrivateExponent, Type: attribute.BytesType, Flags: SensitiveFlag | UnsettableOnGenerate},
		{Code: attribute.PrimeP, Type: attribute.BytesType, Flags: SensitiveFlag | UnsettableOnGenerate},
		{Code: attribute.PrimeQ, Type: attribute.BytesType, Flags: SensitiveFlag | UnsettableOnGenerate},
	}
}

func dataFragment() []Entry {
	return []Entry{
		{Code: attribute.Value, Type: attribute.BytesType},
	}
}

func certificateFragment() []Entry {
	return []Entry{
		{Code: attribute.CertificateType, Type: attribute.ULongType, Flags: RequiredOnCreate},
		{Code: attribute.Subject, Type: attribute.BytesType, Flags: RequiredOnCreate},
		{Code: attribute.Issuer, Type: attribute.BytesType},
		{Code: attribute.SerialNumber, Type: attribute.BytesType},
		{Code: attribute.Value, Type: attribute.BytesType, Flags: RequiredOnCreate},
	}
}

func (r *Registry) lookup(class uint64, keyType uint64, isKey bool) ([]Entry, bool) {
	e, ok := r.entries[classKey{class: class, keyType: keyType, isKey: isKey}]
	return e, ok
}

// classAndKeyType extracts (CKA_CLASS, CKA_KEY_TYPE) from a caller
// attribute set, returning whether a key type was present.
func classAndKeyType(attrs []attribute.Attribute) (uint64, uint64, bool, error) {
	var class uint64
	var keyType uint64
	haveClass := false
	haveKeyType := false
	for _, a := range attrs {
		switch a.Code() {
		case attribute.Class:
			u, err := a.ULong()
			if err != nil {
				return 0, 0, false, ckerror.New(ckerror.AttributeTypeInvalid)
			}
			class = u
			haveClass = true
		case attribute.KeyType:
			u, err := a.ULong()
			if err != nil {
				return 0, 0, false, ckerror.New(ckerror.AttributeTypeInvalid)
			}
			keyType = u
			haveKeyType = true
		}
	}
	if !haveClass {
		return 0, 0, false, ckerror.New(ckerror.TemplateIncomplete)
	}
	return class, keyType, haveKeyType, nil
}

func toMap(attrs []attribute.Attribute) map[attribute.Code]attribute.Attribute {
	m := make(map[attribute.Code]attribute.Attribute, len(attrs))
	for _, a := range attrs {
		m[a.Code()] = a
	}
	return m
}

// CreateFromTemplate implements the "create_from_template" entry point
// of spec.md section 4.1, for host-supplied attribute templates
// (imported material).
func (r *Registry) CreateFromTemplate(attrs []attribute.Attribute) (*object.Object, error) {
	class, keyType, haveKeyType, err := classAndKeyType(attrs)
	if err != nil {
		return nil, err
	}
	entries, ok := r.lookup(class, keyType, haveKeyType)
	if !ok {
		return nil, ckerror.New(ckerror.TemplateInconsistent)
	}
	caller := toMap(attrs)
	return r.build(entries, caller, RequiredOnCreate, UnsettableOnCreate, nil)
}

// DefaultObjectGenerate implements "default_object_generate": called by
// mechanisms during key generation with the caller's template plus
// whatever generated material the mechanism installs afterward.
func (r *Registry) DefaultObjectGenerate(class, keyType uint64, attrs []attribute.Attribute) (*object.Object, error) {
	entries, ok := r.lookup(class, keyType, true)
	if !ok {
		return nil, ckerror.New(ckerror.TemplateInconsistent)
	}
	caller := toMap(attrs)
	return r.build(entries, caller, RequiredOnGenerate, UnsettableOnGenerate, nil)
}

// DefaultObjectUnwrap implements "default_object_unwrap": installs
// CKA_VALUE from already-decrypted material, then applies
// Unsettable-On-Unwrap.
func (r *Registry) DefaultObjectUnwrap(class, keyType uint64, attrs []attribute.Attribute, decrypted []byte) (*object.Object, error) {
	entries, ok := r.lookup(class, keyType, true)
	if !ok {
		return nil, ckerror.New(ckerror.TemplateInconsistent)
	}
	caller := toMap(attrs)
	for _, e := range entries {
		if e.has(UnsettableOnUnwrap) {
			if _, present := caller[e.Code]; present {
				return nil, ckerror.New(ckerror.TemplateInconsistent)
			}
		}
	}
	valueAttr, err := attribute.FromBytes(attribute.Value, decrypted)
	if err != nil {
		return nil, ckerror.New(ckerror.AttributeValueInvalid)
	}
	caller[attribute.Value] = valueAttr
	return r.build(entries, caller, 0, 0, nil)
}

// Copy implements "copy": allowed only if src is copyable; inherits
// every attribute from src, overridden by attrs where the entry's
// Change-On-Copy flag permits it.
func (r *Registry) Copy(src *object.Object, attrs []attribute.Attribute) (*object.Object, error) {
	if !src.IsCopyable() {
		return nil, ckerror.New(ckerror.TemplateInconsistent)
	}
	classAttr, ok := src.GetAttr(attribute.Class)
	if !ok {
		return nil, ckerror.New(ckerror.GeneralError)
	}
	class, _ := classAttr.ULong()
	var keyType uint64
	haveKeyType := false
	if kt, ok := src.GetAttr(attribute.KeyType); ok {
		keyType, _ = kt.ULong()
		haveKeyType = true
	}
	entries, ok := r.lookup(class, keyType, haveKeyType)
	if !ok {
		return nil, ckerror.New(ckerror.TemplateInconsistent)
	}
	overrides := toMap(attrs)
	for code := range overrides {
		permitted := false
		for _, e := range entries {
			if e.Code == code && e.has(ChangeOnCopy) {
				permitted = true
				break
			}
		}
		if !permitted {
			return nil, ckerror.New(ckerror.TemplateInconsistent)
		}
	}
	dst := src.Clone()
	for code, a := range overrides {
		dst.SetAttr(a)
		_ = code
	}
	return dst, nil
}

// build applies the required/unsettable/default rules of entries for
// the given flag pair against caller, producing a fresh Object. extra,
// if non-nil, is merged into caller first (used by callers who need to
// stage computed attributes, currently unused but kept for symmetry
// with the four documented entry points).
func (r *Registry) build(entries []Entry, caller map[attribute.Code]attribute.Attribute, requiredFlag, unsettableFlag Flag, extra map[attribute.Code]attribute.Attribute) (*object.Object, error) {
	for code, a := range extra {
		caller[code] = a
	}
	obj := object.New()
	for _, e := range entries {
		_, present := caller[e.Code]
		if requiredFlag != 0 && e.has(requiredFlag) && !present {
			return nil, ckerror.New(ckerror.TemplateIncomplete)
		}
		if unsettableFlag != 0 && e.has(unsettableFlag) && present {
			return nil, ckerror.New(ckerror.TemplateInconsistent)
		}
	}
	for _, e := range entries {
		a, present := caller[e.Code]
		if !present {
			if e.has(HasDefault) {
				a = e.Default
			} else {
				continue
			}
		}
		if a.Type() != e.Type {
			return nil, ckerror.New(ckerror.AttributeTypeInvalid)
		}
		obj.SetAttr(a)
		if e.has(SensitiveFlag) {
			obj.MarkSensitive(e.Code)
		}
	}
	for code := range caller {
		known := false
		for _, e := range entries {
			if e.Code == code {
				known = true
				break
			}
		}
		if !known {
			return nil, ckerror.New(ckerror.AttributeTypeInvalid)
		}
	}
	return obj, nil
}

// KeySizePolicy enforces spec.md section 4.1's AES/RSA key-size rules.
// Called by the mechanism package before generating or deriving key
// material; object creation and unwrap do not call it.
func KeySizePolicy(keyType uint64, byteLen int) error {
	switch keyType {
	case KeyTypeAES:
		switch byteLen {
		case 16, 24, 32:
			return nil
		default:
			return ckerror.New(ckerror.KeySizeRange)
		}
	case KeyTypeRSA:
		if byteLen < 128 {
			return ckerror.New(ckerror.AttributeValueInvalid)
		}
		return nil
	default:
		return nil
	}
}
