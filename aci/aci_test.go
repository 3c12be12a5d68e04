package aci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/provider"
)

func TestSealMKAuthenticateRoundTrip(t *testing.T) {
	m := NewManager(provider.Default{}, 1, true)
	mk, err := m.GenerateMK()
	require.NoError(t, err)

	envelope, err := m.SealMK([]byte("1234"), mk, 100)
	require.NoError(t, err)
	rec := &UserRecord{Name: "user", MaxAttempts: DefaultMaxAttempts, Envelope: envelope}

	got, err := m.Authenticate(rec, []byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, mk, got)
	assert.Equal(t, 0, rec.Attempts)
}

func TestAuthenticateWrongPinIncrementsAttempts(t *testing.T) {
	m := NewManager(provider.Default{}, 1, true)
	mk, err := m.GenerateMK()
	require.NoError(t, err)
	envelope, err := m.SealMK([]byte("1234"), mk, 100)
	require.NoError(t, err)
	rec := &UserRecord{Name: "user", MaxAttempts: 3, Envelope: envelope}

	_, err = m.Authenticate(rec, []byte("wrong"))
	require.Error(t, err)
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.PinIncorrect, ce.Code)
	assert.Equal(t, 1, rec.Attempts)
}

func TestAuthenticateLocksAfterMaxAttempts(t *testing.T) {
	m := NewManager(provider.Default{}, 1, true)
	mk, err := m.GenerateMK()
	require.NoError(t, err)
	envelope, err := m.SealMK([]byte("1234"), mk, 100)
	require.NoError(t, err)
	rec := &UserRecord{Name: "user", MaxAttempts: 2, Envelope: envelope}

	for i := 0; i < 2; i++ {
		_, err := m.Authenticate(rec, []byte("wrong"))
		require.Error(t, err)
	}
	assert.Equal(t, Locked, rec.State())

	_, err = m.Authenticate(rec, []byte("1234"))
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.PinLocked, ce.Code)
}

func TestResetAttemptsUnlocks(t *testing.T) {
	m := NewManager(provider.Default{}, 1, true)
	mk, _ := m.GenerateMK()
	envelope, _ := m.SealMK([]byte("1234"), mk, 100)
	rec := &UserRecord{Name: "user", MaxAttempts: 1, Envelope: envelope}

	_, _ = m.Authenticate(rec, []byte("wrong"))
	require.Equal(t, Locked, rec.State())

	rec.ResetAttempts()
	assert.Equal(t, UserPinSet, rec.State())

	got, err := m.Authenticate(rec, []byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, mk, got)
}

func TestAuthenticateDetectsKeyVersionChange(t *testing.T) {
	m := NewManager(provider.Default{}, 1, true)
	mk, _ := m.GenerateMK()
	envelope, _ := m.SealMK([]byte("1234"), mk, 100)
	rec := &UserRecord{Name: "user", MaxAttempts: DefaultMaxAttempts, Envelope: envelope}

	rotated := m.WithKeyVersion(2)
	_, err := rotated.Authenticate(rec, []byte("1234"))
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.KeyChanged, ce.Code)
}

func TestSealOpenObjectValue(t *testing.T) {
	m := NewManager(provider.Default{}, 1, true)
	mk, _ := m.GenerateMK()

	sealed, err := m.SealObjectValue(mk, "object-1", []byte("top secret key bytes"))
	require.NoError(t, err)

	plain, err := m.OpenObjectValue(mk, "object-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("top secret key bytes"), plain)

	_, err = m.OpenObjectValue(mk, "object-2", sealed)
	assert.Error(t, err, "AAD mismatch (wrong unique id) must fail to open")
}

func TestNoEncryptionSentinel(t *testing.T) {
	m := NewManager(provider.Default{}, 1, false)
	mk, err := m.GenerateMK()
	require.NoError(t, err)
	assert.Equal(t, []byte(NoEncryptionSentinel), mk)

	envelope, err := m.SealMK([]byte("0000"), mk, 10)
	require.NoError(t, err)
	rec := &UserRecord{Name: "user", MaxAttempts: DefaultMaxAttempts, Envelope: envelope}

	got, err := m.Authenticate(rec, []byte("0000"))
	require.NoError(t, err)
	assert.Equal(t, []byte(NoEncryptionSentinel), got)
}
