// Package mechanism implements the PKCS#11 mechanism registry and
// operation state machine of spec.md section 4.2: a mapping from
// mechanism identifier to capability set and operation factory, the
// per-operation-slot state machine (Idle/Initialized/Updated/
// Finalized), and the default AES/RSA/digest/HMAC/keygen/wrap/unwrap/
// derive implementations consumed through the provider.Provider
// interface.
package mechanism

import (
	"sync"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

// Identifier is a mechanism code (CKM_*). As with attribute.Code, the
// core does not need the bit-exact standard values; the ABI adapter
// owns that mapping.
type Identifier uint32

const (
	AESECB Identifier = iota + 1
	AESCBC
	AESCBCPad
	AESOFB
	AESCFB1
	AESCFB8
	AESCFB128
	AESCTR
	AESGCM
	AESKeyGen
	GenericSecretKeyGen
	RSAPKCS
	RSAPKCSKeyPairGen
	SHA256
	SHA256HMAC
	SHA256HMACKeyGen
	PBKDF2
	HKDFDerive
)

// Info is the capability/size-range record for a mechanism (spec.md
// section 3, "Mechanism").
type Info struct {
	MinKeyBits      int
	MaxKeyBits      int
	Encrypt         bool
	Decrypt         bool
	Sign            bool
	Verify          bool
	Digest          bool
	Generate        bool
	GenerateKeyPair bool
	Wrap            bool
	Unwrap          bool
	Derive          bool
}

// CryptOp is the streaming single-shot contract for
// encryption/decryption operations (spec.md section 4.2).
type CryptOp interface {
	Update(input []byte) ([]byte, error)
	Final() ([]byte, error)
}

// SignOp accumulates data to be signed; Final returns the signature.
type SignOp interface {
	Update(input []byte) error
	Final() ([]byte, error)
}

// VerifyOp accumulates data and reports whether sig is a valid
// signature over it.
type VerifyOp interface {
	Update(input []byte) error
	Final(sig []byte) (bool, error)
}

// DigestOp accumulates data; Final returns the digest.
type DigestOp interface {
	Update(input []byte) error
	Final() ([]byte, error)
}

// Mechanism is a struct-of-factories rather than a fat interface: the
// registered set of mechanisms is closed (spec.md section 9 — "choose
// ... variants when the set is closed"), so unsupported operations are
// simply nil factory fields instead of a type implementing every
// capability. Each factory validates key compatibility/permission
// itself before constructing the per-invocation operation object.
type Mechanism struct {
	ID   Identifier
	Info Info

	NewEncrypt func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error)
	NewDecrypt func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error)
	NewSign    func(params interface{}, key *object.Object, p provider.Provider) (SignOp, error)
	NewVerify  func(params interface{}, key *object.Object, p provider.Provider) (VerifyOp, error)
	NewDigest  func(params interface{}, p provider.Provider) (DigestOp, error)

	GenerateKey func(params interface{}, caller []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error)
	GenerateKeyPair func(params interface{}, pubAttrs, privAttrs []attribute.Attribute, reg *template.Registry, p provider.Provider) (pub, priv *object.Object, err error)

	Wrap   func(params interface{}, wrappingKey, target *object.Object, p provider.Provider) ([]byte, error)
	Unwrap func(params interface{}, unwrappingKey *object.Object, wrapped []byte, targetAttrs []attribute.Attribute, class, keyType uint64, reg *template.Registry, p provider.Provider) (*object.Object, error)

	Derive func(params interface{}, base *object.Object, derivedAttrs []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error)
}

// Registry is the process-wide (or per-token-facility) mapping from
// mechanism identifier to its registered Mechanism, built with
// Register calls at token start (spec.md section 4.2).
type Registry struct {
	mu    sync.RWMutex
	byID  map[Identifier]*Mechanism
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[Identifier]*Mechanism)}
}

func (r *Registry) Register(m *Mechanism) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.ID] = m
}

// Get returns the mechanism or Mechanism-Invalid (spec.md section 4.2).
func (r *Registry) Get(id Identifier) (*Mechanism, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, ckerror.New(ckerror.MechanismInvalid)
	}
	return m, nil
}

// List always returns every registered mechanism. Resolves the open
// question in spec.md section 9: fn_get_mechanism_list must behave as
// a full list, never Function-Not-Supported.
func (r *Registry) List() []Identifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identifier, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

// NewDefaultRegistry builds the registry with every mechanism this
// module implements, the way a token's startup code registers its
// built-in set (spec.md section 4.2, "register(code, mechanism_object)
// during token start").
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerAES(r)
	registerRSA(r)
	registerDigestAndHMAC(r)
	registerKDF(r)
	return r
}

// checkKeyPermitted checks, before any crypto operation begins, that
// the key's class and key type match and that the key's per-operation
// boolean (flagCode) is true. It does not consult the mechanism's Info
// flags.
func checkKeyPermitted(key *object.Object, class, keyType uint64, flagCode attribute.Code) error {
	classAttr, ok := key.GetAttr(attribute.Class)
	if !ok {
		return ckerror.New(ckerror.KeyTypeInconsistent)
	}
	c, _ := classAttr.ULong()
	if c != class {
		return ckerror.New(ckerror.KeyTypeInconsistent)
	}
	if keyType != ^uint64(0) {
		ktAttr, ok := key.GetAttr(attribute.KeyType)
		if !ok {
			return ckerror.New(ckerror.KeyTypeInconsistent)
		}
		kt, _ := ktAttr.ULong()
		if kt != keyType {
			return ckerror.New(ckerror.KeyTypeInconsistent)
		}
	}
	permAttr, ok := key.GetAttr(flagCode)
	if !ok {
		return ckerror.New(ckerror.KeyFunctionNotPermitted)
	}
	permitted, _ := permAttr.Bool()
	if !permitted {
		return ckerror.New(ckerror.KeyFunctionNotPermitted)
	}
	return nil
}

func keyValueBytes(key *object.Object) ([]byte, error) {
	a, ok := key.GetAttr(attribute.Value)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	return a.Bytes(), nil
}
