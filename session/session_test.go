package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/mechanism"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/storage"
	"github.com/kryptolib/p11token/template"
	"github.com/kryptolib/p11token/token"
)

func newTestSlot(t *testing.T) *Slot {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	store, err := storage.NewJSONBackend(path)
	require.NoError(t, err)
	tok := token.New(store, template.NewRegistry(), mechanism.NewDefaultRegistry(), provider.Default{}, true)
	require.NoError(t, tok.Init(token.SessionContext{ReadWrite: true}, []byte("sopin"), "test"))
	require.NoError(t, tok.SetPin(token.SessionContext{SOLoggedIn: true}, token.User, []byte("userpin"), []byte("sopin")))

	reg := NewSlotRegistry()
	return reg.AddSlot(1, tok)
}

func TestOpenSessionDefaultsToPublicState(t *testing.T) {
	sl := newTestSlot(t)
	ro, err := sl.OpenSession(false)
	require.NoError(t, err)
	assert.Equal(t, ROPublic, ro.State())

	rw, err := sl.OpenSession(true)
	require.NoError(t, err)
	assert.Equal(t, RWPublic, rw.State())
}

func TestOpeningReadOnlyFailsWhileRWSOExists(t *testing.T) {
	sl := newTestSlot(t)
	rw, err := sl.OpenSession(true)
	require.NoError(t, err)
	require.NoError(t, sl.Login(rw.Handle(), token.SO, []byte("sopin")))
	assert.Equal(t, RWSO, rw.State())

	_, err = sl.OpenSession(false)
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.SessionReadWriteSOExists, ce.Code)
}

func TestSOLoginFailsWhileReadOnlySessionExists(t *testing.T) {
	sl := newTestSlot(t)
	ro, err := sl.OpenSession(false)
	require.NoError(t, err)
	rw, err := sl.OpenSession(true)
	require.NoError(t, err)

	err = sl.Login(rw.Handle(), token.SO, []byte("sopin"))
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.SessionReadOnlyExists, ce.Code)

	require.NoError(t, sl.CloseSession(ro.Handle()))
	require.NoError(t, sl.Login(rw.Handle(), token.SO, []byte("sopin")))
}

func TestUserLoginPropagatesToEverySessionOnSlot(t *testing.T) {
	sl := newTestSlot(t)
	ro, err := sl.OpenSession(false)
	require.NoError(t, err)
	rw, err := sl.OpenSession(true)
	require.NoError(t, err)

	require.NoError(t, sl.Login(rw.Handle(), token.User, []byte("userpin")))
	assert.Equal(t, ROUser, ro.State())
	assert.Equal(t, RWUser, rw.State())

	// A session opened after login inherits the slot's user-logged-in state.
	lateRO, err := sl.OpenSession(false)
	require.NoError(t, err)
	assert.Equal(t, ROUser, lateRO.State())

	sl.Logout()
	assert.Equal(t, ROPublic, ro.State())
	assert.Equal(t, RWPublic, rw.State())
}

func TestCloseSessionDropsOwnedObjects(t *testing.T) {
	sl := newTestSlot(t)
	rw, err := sl.OpenSession(true)
	require.NoError(t, err)

	classAttr, _ := attribute.FromULong(attribute.Class, template.ClassData)
	valAttr, _ := attribute.FromBytes(attribute.Value, []byte("scratch"))
	publicAttr, _ := attribute.FromBool(attribute.Private, false)
	handle, err := sl.Token().CreateObject(rw.Context(), []attribute.Attribute{classAttr, valAttr, publicAttr})
	require.NoError(t, err)
	rw.TrackOwned(handle)

	require.NoError(t, sl.CloseSession(rw.Handle()))

	_, err = sl.Token().Lookup(handle)
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.ObjectHandleInvalid, ce.Code)
}

func TestSearchCursorLifecycle(t *testing.T) {
	sl := newTestSlot(t)
	rw, err := sl.OpenSession(true)
	require.NoError(t, err)

	results := []object.Handle{1, 2, 3}
	require.NoError(t, rw.InitSearch(results))

	err = rw.InitSearch(results)
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.OperationActive, ce.Code)

	batch, err := rw.FindNext(2)
	require.NoError(t, err)
	assert.Equal(t, []object.Handle{1, 2}, batch)

	batch, err = rw.FindNext(10)
	require.NoError(t, err)
	assert.Equal(t, []object.Handle{3}, batch)

	require.NoError(t, rw.FinalSearch())
	_, err = rw.FindNext(1)
	ce, ok = err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.OperationNotInitialized, ce.Code)
}
