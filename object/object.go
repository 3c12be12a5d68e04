// Package object implements the PKCS#11 Object (spec.md section 3): a
// code-keyed collection of attributes kept in first-set order, plus its
// derived handle and
// unique-id identity, sensitivity policy, and zeroization on drop.
package object

import (
	"sync"

	"github.com/kryptolib/p11token/attribute"
)

// Handle is the ephemeral, session-table-unique, never-reused-within-
// a-process-run identifier described in spec.md section 3. Handle 0 is
// reserved and always invalid (spec.md section 4.4).
type Handle uint64

const InvalidHandle Handle = 0

var handleCounter struct {
	mu   sync.Mutex
	next Handle
}

// NextHandle returns a fresh, monotonically increasing handle. Shared
// across the process per spec.md section 4.4 ("Monotone counter per
// process; never reused within a run").
func NextHandle() Handle {
	handleCounter.mu.Lock()
	defer handleCounter.mu.Unlock()
	handleCounter.next++
	return handleCounter.next
}

// Object is the in-memory representation of a single PKCS#11 object.
// Every object carries CKA_CLASS, CKA_UNIQUE_ID, CKA_TOKEN per the
// invariants in spec.md section 3; those are enforced by the template
// engine at construction time, not by Object itself.
type Object struct {
	mu         sync.RWMutex
	handle     Handle
	attrs      map[attribute.Code]attribute.Attribute
	sensitive  map[attribute.Code]bool
	order      []attribute.Code
	zeroizable bool
}

// New creates an empty Object with a freshly allocated handle.
func New() *Object {
	return &Object{
		handle: NextHandle(),
		attrs:  make(map[attribute.Code]attribute.Attribute),
	}
}

// SetZeroize marks the object as carrying sensitive material that must
// be overwritten on Drop, mirroring kryoptic's Object::set_zeroize.
func (o *Object) SetZeroize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.zeroizable = true
}

func (o *Object) Handle() Handle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.handle
}

// SetAttr installs or replaces an attribute. A sensitive attribute,
// once set true via MarkSensitive, cannot be cleared (spec.md section
// 3 invariant); SetAttr itself does not enforce template rules — the
// template package is responsible for calling MarkSensitive and for
// rejecting attempts to clear it before delegating here.
func (o *Object) SetAttr(a attribute.Attribute) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.attrs[a.Code()]; !exists {
		o.order = append(o.order, a.Code())
	}
	o.attrs[a.Code()] = a
}

// MarkSensitive flags code as sensitive on this object, as reported by
// IsSensitive (spec.md section 4.1, "Attribute-Sensitive"). GetAttr
// still returns the value; callers crossing a trust boundary check
// IsSensitive themselves.
func (o *Object) MarkSensitive(code attribute.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sensitive == nil {
		o.sensitive = make(map[attribute.Code]bool)
	}
	o.sensitive[code] = true
}

func (o *Object) IsSensitive(code attribute.Code) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sensitive[code]
}

// GetAttr returns code's value and whether it exists. It does not
// itself enforce sensitivity — callers crossing a trust boundary
// (token.GetAttributeValue) must check IsSensitive first, since some
// internal callers (the ACI layer encrypting CKA_VALUE) are allowed to
// read sensitive values.
func (o *Object) GetAttr(code attribute.Code) (attribute.Attribute, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.attrs[code]
	return a, ok
}

// Attributes returns a stable-ordered snapshot of every attribute
// currently set, in first-set order.
func (o *Object) Attributes() []attribute.Attribute {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]attribute.Attribute, 0, len(o.order))
	for _, c := range o.order {
		out = append(out, o.attrs[c])
	}
	return out
}

func (o *Object) HasAttr(code attribute.Code) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.attrs[code]
	return ok
}

// DeleteAttr removes code entirely. Used only during unwrap/rebuild
// paths; not exposed to set_attribute_value (that is an update, not a
// delete).
func (o *Object) DeleteAttr(code attribute.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.attrs, code)
	for i, c := range o.order {
		if c == code {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *Object) attrBool(code attribute.Code, def bool) bool {
	a, ok := o.GetAttr(code)
	if !ok {
		return def
	}
	b, err := a.Bool()
	if err != nil {
		return def
	}
	return b
}

// IsToken reports CKA_TOKEN, defaulting to false (session object).
func (o *Object) IsToken() bool { return o.attrBool(attribute.Token, false) }

// IsPrivate reports CKA_PRIVATE, defaulting to true (conservative: an
// object with no explicit CKA_PRIVATE is treated as private).
func (o *Object) IsPrivate() bool { return o.attrBool(attribute.Private, true) }

func (o *Object) IsModifiable() bool { return o.attrBool(attribute.Modifiable, true) }
func (o *Object) IsCopyable() bool   { return o.attrBool(attribute.Copyable, true) }
func (o *Object) IsDestroyable() bool {
	return o.attrBool(attribute.Destroyable, true)
}

// UniqueID returns CKA_UNIQUE_ID, or "" if unset (should not happen on
// a fully constructed object per the spec.md section 3 invariant).
func (o *Object) UniqueID() string {
	a, ok := o.GetAttr(attribute.UniqueID)
	if !ok {
		return ""
	}
	s, _ := a.String()
	return s
}

// Zeroize overwrites every sensitive attribute's bytes in place,
// satisfying the zeroization contract of spec.md section 5. It is
// idempotent and safe to call from Drop-equivalent cleanup paths
// (session close, logout, finalize).
func (o *Object) Zeroize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.zeroizable && len(o.sensitive) == 0 {
		return
	}
	for code, a := range o.attrs {
		if o.sensitive[code] || o.zeroizable {
			a.Zeroize()
			o.attrs[code] = a
		}
	}
}

// Clone produces a deep copy with a fresh handle, used by Copy in the
// template package. Sensitivity flags are preserved; the caller (copy
// operation) is responsible for enforcing IsCopyable before calling
// this.
func (o *Object) Clone() *Object {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := &Object{
		handle:     NextHandle(),
		attrs:      make(map[attribute.Code]attribute.Attribute, len(o.attrs)),
		sensitive:  make(map[attribute.Code]bool, len(o.sensitive)),
		order:      append([]attribute.Code(nil), o.order...),
		zeroizable: o.zeroizable,
	}
	for c, a := range o.attrs {
		// Re-create each value so the clone owns its bytes; zeroizing
		// one object must not wipe the other.
		if dup, err := attribute.New(c, a.Bytes()); err == nil {
			n.attrs[c] = dup
		} else {
			n.attrs[c] = a
		}
	}
	for c, s := range o.sensitive {
		n.sensitive[c] = s
	}
	return n
}
