package aci

import (
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/provider"
)

// DefaultIterations is the PBKDF2 iteration count used when a caller
// does not override it, per spec.md section 4.3.
const DefaultIterations = 1000

// DefaultMaxAttempts is the lockout threshold, per spec.md section
// 4.3 ("Locked: current-attempts >= max-attempts (default 10)").
const DefaultMaxAttempts = 10

// mkAAD is the fixed additional authenticated data bound to every
// master-key envelope, per spec.md section 4.3.
const mkAAD = "ENCRYPTION KEY"

// NoEncryptionSentinel is the MK value used when the module is
// configured not to encrypt at rest (spec.md section 4.3): PIN
// verification still runs PBKDF2 and GCM-opens a real envelope, so the
// check remains cryptographically bound to the stored record even
// though no object content is actually confidentiality-protected.
const NoEncryptionSentinel = "NO ENCRYPTION"

const mkLen = 32
const ivLen = 12
const saltLen = 32

// UserState is the per-user auth state machine of spec.md section 4.3.
type UserState int

const (
	Uninitialized UserState = iota
	DefaultPinSet
	UserPinSet
	Locked
)

// UserRecord is the in-memory/persisted auth record for one principal
// ("so" or "user"). Envelope is the DER KProtectedData wrapping the
// master key under this user's PBKDF2-derived KEK.
type UserRecord struct {
	Name        string
	DefaultPin  bool
	MaxAttempts int
	Attempts    int
	Envelope    []byte
}

// State reports which auth state rec currently occupies. A nil rec is
// Uninitialized.
func (rec *UserRecord) State() UserState {
	if rec == nil || len(rec.Envelope) == 0 {
		return Uninitialized
	}
	if rec.MaxAttempts > 0 && rec.Attempts >= rec.MaxAttempts {
		return Locked
	}
	if rec.DefaultPin {
		return DefaultPinSet
	}
	return UserPinSet
}

// Manager is the per-token ACI facility: it knows the token's current
// key_version_number and whether encryption-at-rest is enabled, and
// performs every PIN/MK/DEK operation spec.md section 4.3 describes.
type Manager struct {
	p             provider.Provider
	keyVersion    int
	encryptAtRest bool
}

func NewManager(p provider.Provider, keyVersion int, encryptAtRest bool) *Manager {
	return &Manager{p: p, keyVersion: keyVersion, encryptAtRest: encryptAtRest}
}

func (m *Manager) KeyVersion() int { return m.keyVersion }

// GenerateMK produces a fresh master key: 256 bits of randomness, or
// the fixed sentinel when encryption-at-rest is disabled.
func (m *Manager) GenerateMK() ([]byte, error) {
	if !m.encryptAtRest {
		return []byte(NoEncryptionSentinel), nil
	}
	return m.p.Random(mkLen)
}

// SealMK wraps mk under a freshly salted PBKDF2 KEK derived from pin,
// producing a DER envelope ready to store as a UserRecord's Envelope.
func (m *Manager) SealMK(pin []byte, mk []byte, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt, err := m.p.Random(saltLen)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	kek := m.p.PBKDF2SHA256(pin, salt, iterations, mkLen)
	iv, err := m.p.Random(ivLen)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	ciphertext, err := provider.GCMSeal(m.p, kek, iv, []byte(mkAAD), mk)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return seal(sealParams{
		keyVersion: m.keyVersion,
		kdf:        kdfPBKDF2,
		pbkdf2:     pbkdf2Params{Salt: salt, Iterations: iterations},
		iv:         iv,
		ciphertext: ciphertext,
		tagLen:     16,
	})
}

// Authenticate runs one login attempt against rec with the supplied
// PIN: on success it resets rec.Attempts and returns the recovered
// master key; on failure it increments rec.Attempts (still the
// caller's job to persist the updated record) and returns the
// appropriate *ckerror.Error. A record already Locked fails fast
// without attempting decryption or touching the attempts counter
// further.
func (m *Manager) Authenticate(rec *UserRecord, pin []byte) ([]byte, error) {
	if rec == nil {
		return nil, ckerror.New(ckerror.UserPinNotInitialized)
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = DefaultMaxAttempts
	}
	if rec.State() == Locked {
		return nil, ckerror.New(ckerror.PinLocked)
	}
	env, err := parseEnvelope(rec.Envelope)
	if err != nil {
		return nil, err
	}
	if env.kdf != kdfPBKDF2 {
		return nil, ckerror.New(ckerror.DataInvalid)
	}
	if env.keyVersion != m.keyVersion {
		return nil, ckerror.New(ckerror.KeyChanged)
	}
	kek := m.p.PBKDF2SHA256(pin, env.pbkdf2.Salt, env.pbkdf2.Iterations, mkLen)
	mk, err := provider.GCMOpen(m.p, kek, env.iv, []byte(mkAAD), env.ciphertext)
	if err != nil {
		rec.Attempts++
		return nil, ckerror.New(ckerror.PinIncorrect)
	}
	if !m.encryptAtRest && string(mk) != NoEncryptionSentinel {
		rec.Attempts++
		return nil, ckerror.New(ckerror.PinIncorrect)
	}
	rec.Attempts = 0
	return mk, nil
}

// ResetAttempts implements the SO-assisted unlock of SPEC_FULL.md
// section 5.2: clears the lockout counter without touching the
// envelope or PIN.
func (rec *UserRecord) ResetAttempts() {
	rec.Attempts = 0
}

// DeriveDEK derives the per-object data-encryption-key for uniqueID
// from mk, per spec.md section 4.3.
func (m *Manager) DeriveDEK(mk []byte, uniqueID string) ([]byte, error) {
	dek, err := m.p.HKDFSHA256Expand(mk, []byte(uniqueID), mkLen)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return dek, nil
}

// SealObjectValue encrypts plaintext (typically a sensitive attribute
// value, e.g. CKA_VALUE) for storage under object uniqueID, using a
// DEK derived from mk via HKDF-SHA256-Expand.
func (m *Manager) SealObjectValue(mk []byte, uniqueID string, plaintext []byte) ([]byte, error) {
	dek, err := m.DeriveDEK(mk, uniqueID)
	if err != nil {
		return nil, err
	}
	iv, err := m.p.Random(ivLen)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	ciphertext, err := provider.GCMSeal(m.p, dek, iv, []byte(uniqueID), plaintext)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return seal(sealParams{
		keyVersion: m.keyVersion,
		kdf:        kdfHKDFExpand,
		hkdf:       hkdfExpandParams{Info: []byte(uniqueID), Length: mkLen},
		iv:         iv,
		ciphertext: ciphertext,
		tagLen:     16,
	})
}

// OpenObjectValue reverses SealObjectValue, checking that the
// envelope's key_version_number matches the token's current version
// (spec.md section 4.3's key-versioning rule) before attempting to
// decrypt.
func (m *Manager) OpenObjectValue(mk []byte, uniqueID string, envelope []byte) ([]byte, error) {
	env, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if env.kdf != kdfHKDFExpand {
		return nil, ckerror.New(ckerror.DataInvalid)
	}
	if env.keyVersion != m.keyVersion {
		return nil, ckerror.New(ckerror.KeyChanged)
	}
	dek, err := m.p.HKDFSHA256Expand(mk, env.hkdf.Info, env.hkdf.Length)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	plaintext, err := provider.GCMOpen(m.p, dek, env.iv, []byte(uniqueID), env.ciphertext)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.EncryptedDataInvalid, err)
	}
	return plaintext, nil
}

// WithKeyVersion returns a Manager for rotating the MK under a new
// key_version_number, used by SPEC_FULL.md section 5.3's
// Token.RotateMasterKey: only the envelope wrapping MK changes, so
// only the version used for SealMK need advance; per-object envelopes
// are re-sealed lazily the next time each object is saved under the
// new version via SealObjectValue on the returned Manager.
func (m *Manager) WithKeyVersion(v int) *Manager {
	return &Manager{p: m.p, keyVersion: v, encryptAtRest: m.encryptAtRest}
}
