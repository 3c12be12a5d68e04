// Package attribute implements the PKCS#11 tagged-variant attribute
// value (spec.md section 3, "Attribute") and the attribute-code to
// type registry that section 4.1 requires be built at process start.
package attribute

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Code is a PKCS#11 attribute identifier (CKA_*). The core does not
// need the bit-exact standard values (those belong to the ABI
// adapter); it only needs codes to be stable, comparable keys.
type Code uint32

// Well-known codes used throughout the core. Additional vendor codes
// may be registered by callers of Register.
const (
	Class Code = iota + 1
	UniqueID
	Token
	Private
	Label
	ID
	Modifiable
	Copyable
	Destroyable
	KeyType
	Value
	ValueLen
	Encrypt
	Decrypt
	Sign
	Verify
	Wrap
	Unwrap
	Derive
	Sensitive
	Extractable
	Modulus
	PublicExponent
	PrimeP
	PrimeQ
	PrivateExponent
	StartDate
	EndDate
	CertificateType
	Subject
	Issuer
	SerialNumber
	firstVendorCode = 0x10000000
)

// Type is the value shape an attribute carries.
type Type int

const (
	BoolType Type = iota
	ULongType
	StringType
	BytesType
	DateType
	// IgnoreType attributes are accepted but never stored or returned.
	IgnoreType
	// DenyType attributes are always rejected if present.
	DenyType
)

// registry maps attribute code to its fixed value type. It is a
// package-level table initialized at process start; Register can add
// or override entries afterwards.
var registry = map[Code]Type{
	Class:           ULongType,
	UniqueID:        StringType,
	Token:           BoolType,
	Private:         BoolType,
	Label:           StringType,
	ID:              BytesType,
	Modifiable:      BoolType,
	Copyable:        BoolType,
	Destroyable:     BoolType,
	KeyType:         ULongType,
	Value:           BytesType,
	ValueLen:        ULongType,
	Encrypt:         BoolType,
	Decrypt:         BoolType,
	Sign:            BoolType,
	Verify:          BoolType,
	Wrap:            BoolType,
	Unwrap:          BoolType,
	Derive:          BoolType,
	Sensitive:       BoolType,
	Extractable:     BoolType,
	Modulus:         BytesType,
	PublicExponent:  BytesType,
	PrimeP:          BytesType,
	PrimeQ:          BytesType,
	PrivateExponent: BytesType,
	StartDate:       DateType,
	EndDate:         DateType,
	CertificateType: ULongType,
	Subject:         BytesType,
	Issuer:          BytesType,
	SerialNumber:    BytesType,
}

// names gives the symbolic CKA_ name used by the JSON storage backend
// (spec.md section 6.3: "Attribute names use the standard PKCS#11
// symbolic names"). Populated alongside registry.
var names = map[Code]string{
	Class:           "CKA_CLASS",
	UniqueID:        "CKA_UNIQUE_ID",
	Token:           "CKA_TOKEN",
	Private:         "CKA_PRIVATE",
	Label:           "CKA_LABEL",
	ID:              "CKA_ID",
	Modifiable:      "CKA_MODIFIABLE",
	Copyable:        "CKA_COPYABLE",
	Destroyable:     "CKA_DESTROYABLE",
	KeyType:         "CKA_KEY_TYPE",
	Value:           "CKA_VALUE",
	ValueLen:        "CKA_VALUE_LEN",
	Encrypt:         "CKA_ENCRYPT",
	Decrypt:         "CKA_DECRYPT",
	Sign:            "CKA_SIGN",
	Verify:          "CKA_VERIFY",
	Wrap:            "CKA_WRAP",
	Unwrap:          "CKA_UNWRAP",
	Derive:          "CKA_DERIVE",
	Sensitive:       "CKA_SENSITIVE",
	Extractable:     "CKA_EXTRACTABLE",
	Modulus:         "CKA_MODULUS",
	PublicExponent:  "CKA_PUBLIC_EXPONENT",
	PrimeP:          "CKA_PRIME_1",
	PrimeQ:          "CKA_PRIME_2",
	PrivateExponent: "CKA_PRIVATE_EXPONENT",
	StartDate:       "CKA_START_DATE",
	EndDate:         "CKA_END_DATE",
	CertificateType: "CKA_CERTIFICATE_TYPE",
	Subject:         "CKA_SUBJECT",
	Issuer:          "CKA_ISSUER",
	SerialNumber:    "CKA_SERIAL_NUMBER",
}

var byName = func() map[string]Code {
	m := make(map[string]Code, len(names))
	for c, n := range names {
		m[n] = c
	}
	return m
}()

// Register adds (or overrides) an attribute code's type and symbolic
// name. It is intended to run from package init functions, before any
// Attribute values are constructed; it is not goroutine-safe against
// concurrent lookups.
func Register(code Code, typ Type, name string) {
	registry[code] = typ
	names[code] = name
	byName[name] = code
}

// TypeOf returns the registered type for code, and false if the code
// has never been registered.
func TypeOf(code Code) (Type, bool) {
	t, ok := registry[code]
	return t, ok
}

// Name returns the symbolic CKA_ name for code, or a synthesized
// vendor-style name if none was registered.
func Name(code Code) string {
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("CKA_VENDOR_%d", code)
}

// ByName resolves a symbolic attribute name back to its Code. Used by
// the JSON storage backend when loading records.
func ByName(name string) (Code, bool) {
	c, ok := byName[name]
	return c, ok
}

// Attribute is a single typed value, keyed by Code, carrying no
// ownership beyond the value (spec.md section 3).
type Attribute struct {
	code  Code
	typ   Type
	value []byte
}

// New constructs an Attribute from its already-encoded value bytes and
// validates the value against the registry's expected shape. Value
// encoding per type:
//   - BoolType: exactly 1 byte, 0x00 or 0x01
//   - ULongType: exactly 8 bytes, big-endian
//   - StringType, BytesType: any length
//   - DateType: empty, or exactly 8 bytes, "YYYYMMDD" ASCII
func New(code Code, raw []byte) (Attribute, error) {
	typ, ok := TypeOf(code)
	if !ok {
		return Attribute{}, fmt.Errorf("attribute: unregistered code %d", code)
	}
	if typ == DenyType {
		return Attribute{}, fmt.Errorf("attribute: %s is not settable", Name(code))
	}
	switch typ {
	case BoolType:
		if len(raw) != 1 {
			return Attribute{}, fmt.Errorf("attribute: %s bad bool length %d", Name(code), len(raw))
		}
	case ULongType:
		if len(raw) != 8 {
			return Attribute{}, fmt.Errorf("attribute: %s bad ulong length %d", Name(code), len(raw))
		}
	case DateType:
		if len(raw) != 0 && len(raw) != 8 {
			return Attribute{}, fmt.Errorf("attribute: %s bad date length %d", Name(code), len(raw))
		}
	}
	return Attribute{code: code, typ: typ, value: append([]byte(nil), raw...)}, nil
}

func FromBool(code Code, b bool) (Attribute, error) {
	v := byte(0)
	if b {
		v = 1
	}
	return New(code, []byte{v})
}

func FromULong(code Code, u uint64) (Attribute, error) {
	raw := make([]byte, 8)
	for i := 0; i < 8; i++ {
		raw[7-i] = byte(u >> (8 * i))
	}
	return New(code, raw)
}

func FromString(code Code, s string) (Attribute, error) {
	return New(code, []byte(s))
}

func FromBytes(code Code, b []byte) (Attribute, error) {
	return New(code, b)
}

func FromDate(code Code, t time.Time) (Attribute, error) {
	return New(code, []byte(t.Format("20060102")))
}

func (a Attribute) Code() Code { return a.code }
func (a Attribute) Type() Type { return a.typ }

// Bytes returns the raw encoded value. Callers needing a sensitive
// value's bytes must still honor the object-level sensitivity gate;
// Attribute itself carries no sensitivity flag (that is a template
// property, spec.md section 4.1).
func (a Attribute) Bytes() []byte { return append([]byte(nil), a.value...) }

func (a Attribute) Bool() (bool, error) {
	if a.typ != BoolType {
		return false, fmt.Errorf("attribute: %s is not bool-typed", Name(a.code))
	}
	return a.value[0] != 0, nil
}

func (a Attribute) ULong() (uint64, error) {
	if a.typ != ULongType {
		return 0, fmt.Errorf("attribute: %s is not ulong-typed", Name(a.code))
	}
	var u uint64
	for _, b := range a.value {
		u = (u << 8) | uint64(b)
	}
	return u, nil
}

func (a Attribute) String() (string, error) {
	if a.typ != StringType {
		return "", fmt.Errorf("attribute: %s is not string-typed", Name(a.code))
	}
	return string(a.value), nil
}

func (a Attribute) Date() (time.Time, error) {
	if a.typ != DateType {
		return time.Time{}, fmt.Errorf("attribute: %s is not date-typed", Name(a.code))
	}
	if len(a.value) == 0 {
		return time.Time{}, nil
	}
	return time.Parse("20060102", string(a.value))
}

// Zeroize overwrites the attribute's underlying bytes with zero,
// satisfying the zeroization contract (spec.md section 5) for
// sensitive attribute values.
func (a *Attribute) Zeroize() {
	for i := range a.value {
		a.value[i] = 0
	}
}

// jsonValue renders the attribute the way the JSON storage backend
// wants it (spec.md section 6.3): booleans/numbers as JSON scalars,
// byte arrays base64. Strings and dates are written as their raw text;
// neither is base64-encoded, whether or not the bytes are valid UTF-8.
func (a Attribute) jsonValue() (interface{}, error) {
	switch a.typ {
	case BoolType:
		return a.Bool()
	case ULongType:
		return a.ULong()
	case StringType:
		return string(a.value), nil
	case DateType:
		return string(a.value), nil
	case BytesType:
		return base64.StdEncoding.EncodeToString(a.value), nil
	default:
		return nil, nil
	}
}

// MarshalJSONValue exposes jsonValue to the storage package without
// creating an import cycle through encoding/json on Attribute itself.
func (a Attribute) MarshalJSONValue() (interface{}, error) {
	return a.jsonValue()
}

// FromJSONValue reconstructs an Attribute from the storage package's
// decoded JSON value for code, reversing jsonValue.
func FromJSONValue(code Code, v interface{}) (Attribute, error) {
	typ, ok := TypeOf(code)
	if !ok {
		return Attribute{}, fmt.Errorf("attribute: unregistered code %d", code)
	}
	switch typ {
	case BoolType:
		b, ok := v.(bool)
		if !ok {
			return Attribute{}, fmt.Errorf("attribute: %s expected bool", Name(code))
		}
		return FromBool(code, b)
	case ULongType:
		switch n := v.(type) {
		case float64:
			return FromULong(code, uint64(n))
		case uint64:
			return FromULong(code, n)
		default:
			return Attribute{}, fmt.Errorf("attribute: %s expected number", Name(code))
		}
	case StringType, DateType:
		s, ok := v.(string)
		if !ok {
			return Attribute{}, fmt.Errorf("attribute: %s expected string", Name(code))
		}
		return New(code, []byte(s))
	case BytesType:
		s, ok := v.(string)
		if !ok {
			return Attribute{}, fmt.Errorf("attribute: %s expected base64 string", Name(code))
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Attribute{}, fmt.Errorf("attribute: %s bad base64: %w", Name(code), err)
		}
		return FromBytes(code, raw)
	default:
		return Attribute{}, fmt.Errorf("attribute: %s has no JSON representation", Name(code))
	}
}
