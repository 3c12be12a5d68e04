// Package token implements the Token contract of spec.md section 4.4:
// object lifecycle, handle allocation, login/logout and PIN change
// through the aci package, search, and save/reload through the
// storage package.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kryptolib/p11token/aci"
	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/mechanism"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/storage"
	"github.com/kryptolib/p11token/template"
)

// UserType distinguishes the two login principals spec.md section 4.3
// and section 4.4 name throughout ("so" and "user").
type UserType int

const (
	SO UserType = iota
	User
)

// SessionContext is the minimal view of a calling session's privilege
// that Token operations need, deliberately decoupled from the session
// package's Session type so that token never imports session (session
// imports token, not the reverse, keeping the dependency one-way per
// spec.md section 2's "the core never calls back into the adapter"
// layering spirit).
type SessionContext struct {
	ReadWrite    bool
	UserLoggedIn bool
	SOLoggedIn   bool
}

// metrics holds the per-Token Prometheus instrumentation of
// SPEC_FULL.md section 3's domain stack table. Each Token gets its own
// registry rather than registering into the global default registry,
// so that multiple Token instances (as in tests) never collide on
// duplicate metric registration.
type metrics struct {
	registry      *prometheus.Registry
	operations    *prometheus.CounterVec
	loginFailures prometheus.Counter
	lockouts      prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p11token_operations_total",
			Help: "Count of token operations by kind.",
		}, []string{"op"}),
		loginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p11token_login_failures_total",
			Help: "Count of failed login attempts.",
		}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p11token_lockouts_total",
			Help: "Count of logins rejected because a user record is locked.",
		}),
	}
	reg.MustRegister(m.operations, m.loginFailures, m.lockouts)
	return m
}

// Token is the in-memory object set plus the login/ACI state
// described in spec.md section 3's "Token" type.
type Token struct {
	mu sync.Mutex

	info    storage.TokenInfo
	store   storage.StorageRaw
	tmpl    *template.Registry
	mechs   *mechanism.Registry
	prov    provider.Provider
	aciMgr  *aci.Manager
	metrics *metrics
	log     *logrus.Entry

	initialized bool
	soRecord    *aci.UserRecord
	userRecord  *aci.UserRecord
	soLoggedIn  bool
	mk          []byte // nil unless a user is logged in

	objects     map[string]*object.Object
	handleIndex map[object.Handle]string
	dirty       bool
}

// New constructs a Token bound to store, with tmpl/mechs/prov as its
// schema, mechanism, and primitive sources. encryptAtRest selects
// spec.md section 4.3's no-encryption sentinel mode.
func New(store storage.StorageRaw, tmpl *template.Registry, mechs *mechanism.Registry, prov provider.Provider, encryptAtRest bool) *Token {
	return &Token{
		store:       store,
		tmpl:        tmpl,
		mechs:       mechs,
		prov:        prov,
		aciMgr:      aci.NewManager(prov, 1, encryptAtRest),
		metrics:     newMetrics(),
		log:         logrus.WithField("component", "token"),
		objects:     make(map[string]*object.Object),
		handleIndex: make(map[object.Handle]string),
	}
}

// Metrics exposes the Token's private Prometheus registry for a host
// to mount under its own /metrics handler.
func (t *Token) Metrics() *prometheus.Registry { return t.metrics.registry }

// Load reconstructs a Token's in-memory state from store: token info,
// both auth records, and every persisted object, reindexed by handle.
// A fresh store (storage.ErrNotFound on token info) yields an
// uninitialized Token, not an error — mirroring spec.md section 7's
// "'not found' during initialize is not an error."
func Load(store storage.StorageRaw, tmpl *template.Registry, mechs *mechanism.Registry, prov provider.Provider, encryptAtRest bool) (*Token, error) {
	t := New(store, tmpl, mechs, prov, encryptAtRest)

	info, err := store.FetchTokenInfo()
	if err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return t, nil
		}
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	t.info = info
	t.initialized = true

	if auth, err := store.FetchUser("so"); err == nil {
		t.soRecord = &aci.UserRecord{Name: "so", DefaultPin: auth.DefaultPin, MaxAttempts: aci.DefaultMaxAttempts, Attempts: int(auth.Attempts), Envelope: auth.Data}
	} else if _, ok := err.(storage.ErrNotFound); !ok {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	if auth, err := store.FetchUser("user"); err == nil {
		t.userRecord = &aci.UserRecord{Name: "user", DefaultPin: auth.DefaultPin, MaxAttempts: aci.DefaultMaxAttempts, Attempts: int(auth.Attempts), Envelope: auth.Data}
	} else if _, ok := err.(storage.ErrNotFound); !ok {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}

	objs, err := store.Search(storage.SearchFilter{})
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	for _, obj := range objs {
		uid := obj.UniqueID()
		if uid == "" {
			continue
		}
		reapplySensitivity(obj)
		t.objects[uid] = obj
		t.handleIndex[obj.Handle()] = uid
	}
	return t, nil
}

// reapplySensitivity restores the sensitive-attribute flags a decoded
// object loses when reconstructed from storage (attribute.Attribute
// values round-trip, but Object.sensitive is process-local state). The
// set of always-sensitive codes mirrors the template package's
// secretKeyFragment/rsaPrivateFragment entries, the only places
// template.go sets SensitiveFlag.
func reapplySensitivity(obj *object.Object) {
	classAttr, ok := obj.GetAttr(attribute.Class)
	if !ok {
		return
	}
	class, _ := classAttr.ULong()
	switch class {
	case template.ClassSecretKey:
		if obj.HasAttr(attribute.Value) {
			obj.MarkSensitive(attribute.Value)
		}
	case template.ClassPrivateKey:
		for _, code := range []attribute.Code{attribute.PrivateExponent, attribute.PrimeP, attribute.PrimeQ} {
			if obj.HasAttr(code) {
				obj.MarkSensitive(code)
			}
		}
	}
}

func (t *Token) newUniqueID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", ckerror.Wrap(ckerror.DeviceError, err)
	}
	return hex.EncodeToString(buf), nil
}

// Init implements spec.md section 4.4's `init(pin, label)`. On a token
// not yet initialized it needs no login; on an already-initialized
// token, ctx must be SO-logged-in. An empty pin fails Pin-Len-Range.
func (t *Token) Init(ctx SessionContext, pin []byte, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("init").Inc()

	if t.initialized && !ctx.SOLoggedIn {
		return ckerror.New(ckerror.UserNotLoggedIn)
	}
	if len(pin) == 0 {
		return ckerror.New(ckerror.PinLenRange)
	}

	mk, err := t.aciMgr.GenerateMK()
	if err != nil {
		return err
	}
	envelope, err := t.aciMgr.SealMK(pin, mk, aci.DefaultIterations)
	if err != nil {
		return err
	}
	t.soRecord = &aci.UserRecord{Name: "so", MaxAttempts: aci.DefaultMaxAttempts, Envelope: envelope}
	t.userRecord = nil
	t.objects = make(map[string]*object.Object)
	t.handleIndex = make(map[object.Handle]string)
	t.info.Label = label
	t.soLoggedIn = false
	t.mk = nil
	t.initialized = true
	t.dirty = true
	t.log.WithField("label", label).Info("token initialized")
	return nil
}

// Login implements spec.md section 4.3/4.4's authentication: on
// success for UserType User, the ACI master key becomes available.
func (t *Token) Login(userType UserType, pin []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("login").Inc()

	if !t.initialized {
		return ckerror.New(ckerror.TokenNotInitialized)
	}
	if userType == SO {
		if t.soLoggedIn {
			return ckerror.New(ckerror.UserAlreadyLoggedIn)
		}
		if _, err := t.aciMgr.Authenticate(t.soRecord, pin); err != nil {
			t.afterFailedAuth(t.soRecord, err)
			return err
		}
		t.soLoggedIn = true
		return nil
	}
	if t.mk != nil {
		return ckerror.New(ckerror.UserAlreadyLoggedIn)
	}
	if t.userRecord == nil {
		return ckerror.New(ckerror.UserPinNotInitialized)
	}
	mk, err := t.aciMgr.Authenticate(t.userRecord, pin)
	if err != nil {
		t.afterFailedAuth(t.userRecord, err)
		return err
	}
	t.mk = mk
	t.decryptSensitiveObjects()
	return nil
}

func (t *Token) afterFailedAuth(rec *aci.UserRecord, err error) {
	t.metrics.operations.WithLabelValues("login").Inc()
	if ce, ok := err.(*ckerror.Error); ok && ce.Code == ckerror.PinLocked {
		t.metrics.lockouts.Inc()
		return
	}
	t.metrics.loginFailures.Inc()
}

// Logout implements spec.md section 4.4: clears the ACI master key and
// zeroizes in-memory sensitive object state. Token objects' sensitive
// CKA_VALUE is first resealed back into its storage envelope (see
// sealSensitiveObjects) — it is the only in-memory copy, so zeroizing
// it here with no path back would leave it permanently lost on a
// later Login against this same Token, and would persist as zeroed
// bytes if Save ran before the next reload.
func (t *Token) Logout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("logout").Inc()
	t.soLoggedIn = false
	if t.mk != nil {
		t.sealSensitiveObjects()
		for i := range t.mk {
			t.mk[i] = 0
		}
		t.mk = nil
	}
	for _, obj := range t.objects {
		if obj.IsToken() && obj.IsSensitive(attribute.Value) {
			continue
		}
		obj.Zeroize()
	}
}

// sealSensitiveObjects reverses decryptSensitiveObjects: every
// token-resident object whose CKA_VALUE currently holds the plaintext
// installed by a prior Login is sealed back into its storage envelope
// under the still-live mk, restoring the ciphertext-at-rest
// invariant decryptSensitiveObjects and save both assume.
func (t *Token) sealSensitiveObjects() {
	for uid, obj := range t.objects {
		if !obj.IsToken() || !obj.IsSensitive(attribute.Value) {
			continue
		}
		a, ok := obj.GetAttr(attribute.Value)
		if !ok {
			continue
		}
		sealed, err := t.aciMgr.SealObjectValue(t.mk, uid, a.Bytes())
		if err != nil {
			t.log.WithError(err).WithField("unique_id", uid).Warn("failed to reseal object value on logout")
			continue
		}
		sealedAttr, _ := attribute.FromBytes(attribute.Value, sealed)
		obj.SetAttr(sealedAttr)
	}
}

// decryptSensitiveObjects opens every token object's sealed sensitive
// CKA_VALUE envelope now that mk is available, so mechanism code can
// read them through object.GetAttr (the session layer still gates
// visibility for host callers via IsSensitive).
func (t *Token) decryptSensitiveObjects() {
	for uid, obj := range t.objects {
		a, ok := obj.GetAttr(attribute.Value)
		if !ok || !obj.IsSensitive(attribute.Value) {
			continue
		}
		plaintext, err := t.aciMgr.OpenObjectValue(t.mk, uid, a.Bytes())
		if err != nil {
			t.log.WithError(err).WithField("unique_id", uid).Warn("failed to open sealed object value")
			continue
		}
		opened, _ := attribute.FromBytes(attribute.Value, plaintext)
		obj.SetAttr(opened)
		obj.MarkSensitive(attribute.Value)
	}
}

// SetPin implements spec.md section 4.4's set_pin. Changing the SO PIN
// requires an SO-logged-in ctx. For the user PIN, the user supplies
// their own current PIN as oldPin; with an SO-logged-in ctx the user's
// PIN is not needed, and oldPin carries the SO PIN unless a user is
// currently logged in.
func (t *Token) SetPin(ctx SessionContext, userType UserType, newPin, oldPin []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("set_pin").Inc()

	if len(newPin) == 0 {
		return ckerror.New(ckerror.PinLenRange)
	}
	if userType == SO {
		if !ctx.SOLoggedIn {
			return ckerror.New(ckerror.UserNotLoggedIn)
		}
		var mk []byte
		var err error
		if t.soRecord != nil {
			mk, err = t.aciMgr.Authenticate(t.soRecord, oldPin)
		}
		if t.soRecord == nil || err != nil {
			mk, err = t.aciMgr.GenerateMK()
			if err != nil {
				return err
			}
		}
		envelope, err := t.aciMgr.SealMK(newPin, mk, aci.DefaultIterations)
		if err != nil {
			return err
		}
		t.soRecord = &aci.UserRecord{Name: "so", MaxAttempts: aci.DefaultMaxAttempts, Envelope: envelope}
		t.dirty = true
		return nil
	}

	// UserType == User: under SO privilege the token's current mk is
	// re-wrapped, taken from a logged-in user if there is one, else
	// recovered from the SO record with the SO PIN passed as oldPin;
	// otherwise the user must supply their own oldPin.
	var mk []byte
	if ctx.SOLoggedIn {
		if t.mk != nil {
			mk = t.mk
		} else if t.soRecord != nil {
			var err error
			mk, err = t.aciMgr.Authenticate(t.soRecord, oldPin)
			if err != nil {
				return ckerror.New(ckerror.DeviceError)
			}
		}
	} else {
		if t.userRecord == nil {
			return ckerror.New(ckerror.UserPinNotInitialized)
		}
		var err error
		mk, err = t.aciMgr.Authenticate(t.userRecord, oldPin)
		if err != nil {
			t.afterFailedAuth(t.userRecord, err)
			return err
		}
	}
	if mk == nil {
		return ckerror.New(ckerror.UserNotLoggedIn)
	}
	envelope, err := t.aciMgr.SealMK(newPin, mk, aci.DefaultIterations)
	if err != nil {
		return err
	}
	t.userRecord = &aci.UserRecord{Name: "user", MaxAttempts: aci.DefaultMaxAttempts, Envelope: envelope, DefaultPin: false}
	t.dirty = true
	return nil
}

// UnlockUser implements SPEC_FULL.md section 5.2: an SO-privileged
// reset of the user record's lockout counter, without touching the PIN
// or MK wrapping.
func (t *Token) UnlockUser(ctx SessionContext, soPin []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ctx.SOLoggedIn {
		return ckerror.New(ckerror.UserNotLoggedIn)
	}
	if t.soRecord == nil {
		return ckerror.New(ckerror.UserPinNotInitialized)
	}
	if _, err := t.aciMgr.Authenticate(t.soRecord, soPin); err != nil {
		return err
	}
	if t.userRecord == nil {
		return ckerror.New(ckerror.UserPinNotInitialized)
	}
	t.userRecord.ResetAttempts()
	t.dirty = true
	return nil
}

// RotateMasterKey implements SPEC_FULL.md section 5.3: re-wraps the
// current master key under a freshly derived KEK at
// key_version_number+1. Per-object DEKs derive from MK plus unique id,
// so no object re-encryption is required; each object's envelope is
// naturally re-sealed under the new version the next time it is saved.
func (t *Token) RotateMasterKey(ctx SessionContext, soPin []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ctx.SOLoggedIn {
		return ckerror.New(ckerror.UserNotLoggedIn)
	}
	if t.mk == nil {
		return ckerror.New(ckerror.UserNotLoggedIn)
	}
	next := t.aciMgr.WithKeyVersion(t.aciMgr.KeyVersion() + 1)
	if t.soRecord != nil {
		if _, err := t.aciMgr.Authenticate(t.soRecord, soPin); err != nil {
			return err
		}
		envelope, err := next.SealMK(soPin, t.mk, aci.DefaultIterations)
		if err != nil {
			return err
		}
		t.soRecord.Envelope = envelope
	}
	t.aciMgr = next
	t.dirty = true
	return nil
}

// CreateObject implements spec.md section 4.4's create_object.
func (t *Token) CreateObject(ctx SessionContext, attrs []attribute.Attribute) (object.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("create_object").Inc()

	obj, err := t.tmpl.CreateFromTemplate(attrs)
	if err != nil {
		return object.InvalidHandle, err
	}
	if err := t.admitNewObject(ctx, obj); err != nil {
		return object.InvalidHandle, err
	}
	return obj.Handle(), nil
}

func (t *Token) admitNewObject(ctx SessionContext, obj *object.Object) error {
	if obj.IsToken() && !ctx.ReadWrite {
		return ckerror.New(ckerror.SessionReadOnly)
	}
	if obj.IsPrivate() && !ctx.UserLoggedIn {
		return ckerror.New(ckerror.UserNotLoggedIn)
	}
	uid, err := t.newUniqueID()
	if err != nil {
		return err
	}
	uidAttr, _ := attribute.FromString(attribute.UniqueID, uid)
	obj.SetAttr(uidAttr)
	t.objects[uid] = obj
	t.handleIndex[obj.Handle()] = uid
	if obj.IsToken() {
		t.dirty = true
	}
	return nil
}

// CopyObject implements spec.md section 4.4's copy_object.
func (t *Token) CopyObject(ctx SessionContext, src object.Handle, attrs []attribute.Attribute) (object.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("copy_object").Inc()

	srcObj, err := t.lookup(src)
	if err != nil {
		return object.InvalidHandle, err
	}
	dst, err := t.tmpl.Copy(srcObj, attrs)
	if err != nil {
		return object.InvalidHandle, err
	}
	if err := t.admitNewObject(ctx, dst); err != nil {
		return object.InvalidHandle, err
	}
	return dst.Handle(), nil
}

// DestroyObject implements spec.md section 4.4's destroy_object.
func (t *Token) DestroyObject(handle object.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("destroy_object").Inc()

	obj, err := t.lookup(handle)
	if err != nil {
		return err
	}
	if !obj.IsDestroyable() {
		return ckerror.New(ckerror.AttributeReadOnly)
	}
	uid := obj.UniqueID()
	obj.Zeroize()
	delete(t.objects, uid)
	delete(t.handleIndex, handle)
	if obj.IsToken() {
		if err := t.store.DeleteObj(uid); err != nil {
			return ckerror.Wrap(ckerror.DeviceError, err)
		}
	}
	return nil
}

func (t *Token) lookup(handle object.Handle) (*object.Object, error) {
	uid, ok := t.handleIndex[handle]
	if !ok {
		return nil, ckerror.New(ckerror.ObjectHandleInvalid)
	}
	obj, ok := t.objects[uid]
	if !ok {
		return nil, ckerror.New(ckerror.ObjectHandleInvalid)
	}
	return obj, nil
}

// Lookup exposes lookup to other packages in this module (mechanism
// operation call sites resolve a key handle to an *object.Object
// through Token before invoking a mechanism).
func (t *Token) Lookup(handle object.Handle) (*object.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(handle)
}

// AttrRequest is one attribute query in a get_attribute_value call,
// mirroring the host's buffer-length protocol (spec.md section 4.4):
// BufLen < 0 means "query length only" (the null-buffer convention).
type AttrRequest struct {
	Code   attribute.Code
	BufLen int
}

// AttrResponse is the per-attribute result. Err is nil on success.
type AttrResponse struct {
	Code   attribute.Code
	Length int
	Value  []byte
	Err    *ckerror.Error
}

// GetAttributeValue implements spec.md section 4.4's two-phase
// protocol. The returned overall error is the numerically largest
// per-attribute error code, nil if every attribute succeeded.
func (t *Token) GetAttributeValue(handle object.Handle, reqs []AttrRequest) ([]AttrResponse, *ckerror.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("get_attribute_value").Inc()

	obj, err := t.lookup(handle)
	if err != nil {
		ce := err.(*ckerror.Error)
		out := make([]AttrResponse, len(reqs))
		for i, r := range reqs {
			out[i] = AttrResponse{Code: r.Code, Err: ce}
		}
		return out, ce
	}
	out := make([]AttrResponse, len(reqs))
	var worst *ckerror.Error
	for i, r := range reqs {
		resp := AttrResponse{Code: r.Code}
		if obj.IsSensitive(r.Code) {
			resp.Err = ckerror.New(ckerror.AttributeSensitive)
		} else if a, ok := obj.GetAttr(r.Code); !ok {
			resp.Err = ckerror.New(ckerror.AttributeTypeInvalid)
		} else {
			raw := a.Bytes()
			resp.Length = len(raw)
			if r.BufLen < 0 {
				// length query only
			} else if r.BufLen < len(raw) {
				resp.Err = ckerror.New(ckerror.BufferTooSmall)
			} else {
				resp.Value = raw
			}
		}
		out[i] = resp
		if resp.Err != nil && (worst == nil || resp.Err.Code > worst.Code) {
			worst = resp.Err
		}
	}
	return out, worst
}

// SetAttributeValue implements spec.md section 4.4's
// set_attribute_value.
func (t *Token) SetAttributeValue(ctx SessionContext, handle object.Handle, attrs []attribute.Attribute) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("set_attribute_value").Inc()

	if !ctx.ReadWrite {
		return ckerror.New(ckerror.SessionReadOnly)
	}
	obj, err := t.lookup(handle)
	if err != nil {
		return err
	}
	for _, a := range attrs {
		switch a.Code() {
		case attribute.Class, attribute.KeyType, attribute.UniqueID:
			return ckerror.New(ckerror.AttributeReadOnly)
		}
		if !obj.IsModifiable() {
			return ckerror.New(ckerror.AttributeReadOnly)
		}
		obj.SetAttr(a)
	}
	if obj.IsToken() {
		t.dirty = true
	}
	return nil
}

// Search implements spec.md section 4.4's search: a snapshot of
// matching handles, filtering out private objects unless the caller is
// user-logged-in.
func (t *Token) Search(ctx SessionContext, template []attribute.Attribute) []object.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.operations.WithLabelValues("search").Inc()

	var out []object.Handle
	for _, obj := range t.objects {
		if obj.IsPrivate() && !ctx.UserLoggedIn {
			continue
		}
		if matchesTemplate(obj, template) {
			out = append(out, obj.Handle())
		}
	}
	return out
}

func matchesTemplate(obj *object.Object, want []attribute.Attribute) bool {
	for _, w := range want {
		got, ok := obj.GetAttr(w.Code())
		if !ok {
			return false
		}
		if string(got.Bytes()) != string(w.Bytes()) {
			return false
		}
	}
	return true
}

// Save implements spec.md section 4.4's save: idempotent if not dirty.
func (t *Token) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.save()
}

func (t *Token) save() error {
	if !t.dirty {
		return nil
	}
	if err := t.store.StoreTokenInfo(t.info); err != nil {
		return ckerror.Wrap(ckerror.DeviceError, err)
	}
	if t.soRecord != nil {
		if err := t.store.StoreUser("so", storage.AuthInfo{Name: "so", DefaultPin: t.soRecord.DefaultPin, Attempts: uint64(t.soRecord.Attempts), Data: t.soRecord.Envelope}); err != nil {
			return ckerror.Wrap(ckerror.DeviceError, err)
		}
	}
	if t.userRecord != nil {
		if err := t.store.StoreUser("user", storage.AuthInfo{Name: "user", DefaultPin: t.userRecord.DefaultPin, Attempts: uint64(t.userRecord.Attempts), Data: t.userRecord.Envelope}); err != nil {
			return ckerror.Wrap(ckerror.DeviceError, err)
		}
	}
	for uid, obj := range t.objects {
		if !obj.IsToken() {
			continue
		}
		persisted := obj
		if obj.IsSensitive(attribute.Value) && t.mk != nil {
			if a, ok := obj.GetAttr(attribute.Value); ok {
				sealed, err := t.aciMgr.SealObjectValue(t.mk, uid, a.Bytes())
				if err != nil {
					return err
				}
				persisted = obj.Clone()
				sealedAttr, _ := attribute.FromBytes(attribute.Value, sealed)
				persisted.SetAttr(sealedAttr)
			}
		}
		if err := t.store.StoreObj(persisted); err != nil {
			return ckerror.Wrap(ckerror.DeviceError, err)
		}
	}
	t.dirty = false
	return nil
}

// Templates exposes the token's template registry to mechanism call
// sites that need to build generated/derived objects.
func (t *Token) Templates() *template.Registry { return t.tmpl }

// Mechanisms exposes the token's mechanism registry.
func (t *Token) Mechanisms() *mechanism.Registry { return t.mechs }

// Provider exposes the token's cryptographic primitive source.
func (t *Token) Provider() provider.Provider { return t.prov }

// RegisterGenerated installs an Object a mechanism produced (generate-
// key, generate-key-pair, unwrap, derive) into the token's object
// table, applying the same token/private admission rules as
// CreateObject.
func (t *Token) RegisterGenerated(ctx SessionContext, obj *object.Object) (object.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.admitNewObject(ctx, obj); err != nil {
		return object.InvalidHandle, err
	}
	return obj.Handle(), nil
}

// IsInitialized reports whether Init has run on this token.
func (t *Token) IsInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}
