package token

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
)

func newTestToken(t *testing.T) (*Token, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	store, err := storage.NewJSONBackend(path)
	require.NoError(t, err)
	tok := New(store, template.NewRegistry(), mechanism.NewDefaultRegistry(), provider.Default{}, true)
	return tok, path
}

func rwPublic() SessionContext { return SessionContext{ReadWrite: true} }
func rwUser() SessionContext   { return SessionContext{ReadWrite: true, UserLoggedIn: true} }
func roPublic() SessionContext { return SessionContext{} }

func dataObjectAttrs(label string, value []byte) []attribute.Attribute {
	classAttr, _ := attribute.FromULong(attribute.Class, template.ClassData)
	labelAttr, _ := attribute.FromString(attribute.Label, label)
	valAttr, _ := attribute.FromBytes(attribute.Value, value)
	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	publicAttr, _ := attribute.FromBool(attribute.Private, false)
	return []attribute.Attribute{classAttr, labelAttr, valAttr, tokenAttr, publicAttr}
}

func TestInitRequiresSOOnReInit(t *testing.T) {
	tok, _ := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	assert.True(t, tok.IsInitialized())

	err := tok.Init(rwPublic(), []byte("sopin2"), "label2")
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.UserNotLoggedIn, ce.Code)
}

func TestCreateObjectRequiresReadWriteForTokenObjects(t *testing.T) {
	tok, _ := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))

	_, err := tok.CreateObject(roPublic(), dataObjectAttrs("note", []byte("hi")))
	ce, ok := err.(*ckerror.Error)
	require.True(t, ok)
	assert.Equal(t, ckerror.SessionReadOnly, ce.Code)

	handle, err := tok.CreateObject(rwPublic(), dataObjectAttrs("note", []byte("hi")))
	require.NoError(t, err)
	assert.NotEqual(t, object.InvalidHandle, handle)
}

func TestGetAttributeValueTwoPhaseProtocol(t *testing.T) {
	tok, _ := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	handle, err := tok.CreateObject(rwPublic(), dataObjectAttrs("note", []byte("hello world")))
	require.NoError(t, err)

	resp, overall := tok.GetAttributeValue(handle, []AttrRequest{{Code: attribute.Value, BufLen: -1}})
	require.Nil(t, overall)
	require.Len(t, resp, 1)
	assert.Equal(t, len("hello world"), resp[0].Length)
	assert.Nil(t, resp[0].Value)

	resp, overall = tok.GetAttributeValue(handle, []AttrRequest{{Code: attribute.Value, BufLen: 2}})
	require.NotNil(t, overall)
	assert.Equal(t, ckerror.BufferTooSmall, overall.Code)
	assert.Nil(t, resp[0].Value)

	resp, overall = tok.GetAttributeValue(handle, []AttrRequest{{Code: attribute.Value, BufLen: 64}})
	require.Nil(t, overall)
	assert.Equal(t, []byte("hello world"), resp[0].Value)

	_, overall = tok.GetAttributeValue(handle, []AttrRequest{{Code: attribute.Subject, BufLen: -1}})
	require.NotNil(t, overall)
	assert.Equal(t, ckerror.AttributeTypeInvalid, overall.Code)
}

func TestSensitiveAttributeNeverReadable(t *testing.T) {
	tok, _ := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	require.NoError(t, tok.SetPin(SessionContext{SOLoggedIn: true}, User, []byte("userpin"), []byte("sopin")))
	require.NoError(t, tok.Login(User, []byte("userpin")))

	mech, err := tok.mechs.Get(mechanism.AESKeyGen)
	require.NoError(t, err)
	lenAttr, _ := attribute.FromULong(attribute.ValueLen, 16)
	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	obj, err := mech.GenerateKey(nil, []attribute.Attribute{lenAttr, tokenAttr}, tok.tmpl, tok.prov)
	require.NoError(t, err)
	handle, err := tok.RegisterGenerated(rwUser(), obj)
	require.NoError(t, err)

	_, overall := tok.GetAttributeValue(handle, []AttrRequest{{Code: attribute.Value, BufLen: -1}})
	require.NotNil(t, overall)
	assert.Equal(t, ckerror.AttributeSensitive, overall.Code)
}

func TestSaveAndReloadPersistsObjectsAndSealsSensitiveValues(t *testing.T) {
	tok, path := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	require.NoError(t, tok.SetPin(SessionContext{SOLoggedIn: true}, User, []byte("userpin"), []byte("sopin")))
	require.NoError(t, tok.Login(User, []byte("userpin")))

	mech, err := tok.mechs.Get(mechanism.AESKeyGen)
	require.NoError(t, err)
	lenAttr, _ := attribute.FromULong(attribute.ValueLen, 32)
	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	labelAttr, _ := attribute.FromString(attribute.Label, "aes-key")
	obj, err := mech.GenerateKey(nil, []attribute.Attribute{lenAttr, tokenAttr, labelAttr}, tok.tmpl, tok.prov)
	require.NoError(t, err)
	valAttr, _ := obj.GetAttr(attribute.Value)
	original := valAttr.Bytes()

	_, err = tok.RegisterGenerated(rwUser(), obj)
	require.NoError(t, err)
	require.NoError(t, tok.Save())

	store, err := storage.NewJSONBackend(path)
	require.NoError(t, err)
	reloaded, err := Load(store, template.NewRegistry(), mechanism.NewDefaultRegistry(), provider.Default{}, true)
	require.NoError(t, err)
	assert.True(t, reloaded.IsInitialized())

	require.NoError(t, reloaded.SetPin(SessionContext{}, User, []byte("userpin"), []byte("userpin")))

	require.Len(t, reloaded.objects, 1)
	for _, o := range reloaded.objects {
		label, ok := o.GetAttr(attribute.Label)
		require.True(t, ok)
		s, _ := label.String()
		assert.Equal(t, "aes-key", s)

		stored, ok := o.GetAttr(attribute.Value)
		require.True(t, ok)
		assert.True(t, o.IsSensitive(attribute.Value))
		assert.NotEqual(t, original, stored.Bytes())
	}
}

func TestLoginPropagatesDecryptedObjectValue(t *testing.T) {
	tok, path := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	require.NoError(t, tok.SetPin(SessionContext{SOLoggedIn: true}, User, []byte("userpin"), []byte("sopin")))
	require.NoError(t, tok.Login(User, []byte("userpin")))

	mech, _ := tok.mechs.Get(mechanism.AESKeyGen)
	lenAttr, _ := attribute.FromULong(attribute.ValueLen, 16)
	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	obj, err := mech.GenerateKey(nil, []attribute.Attribute{lenAttr, tokenAttr}, tok.tmpl, tok.prov)
	require.NoError(t, err)
	valAttr, _ := obj.GetAttr(attribute.Value)
	original := valAttr.Bytes()
	uid := ""
	_, err = tok.RegisterGenerated(rwUser(), obj)
	require.NoError(t, err)
	for id := range tok.objects {
		uid = id
	}
	require.NoError(t, tok.Save())
	tok.Logout()

	store, err := storage.NewJSONBackend(path)
	require.NoError(t, err)
	reloaded, err := Load(store, template.NewRegistry(), mechanism.NewDefaultRegistry(), provider.Default{}, true)
	require.NoError(t, err)
	require.NoError(t, reloaded.Login(User, []byte("userpin")))

	reopened, ok := reloaded.objects[uid]
	require.True(t, ok)
	reVal, ok := reopened.GetAttr(attribute.Value)
	require.True(t, ok)
	assert.Equal(t, original, reVal.Bytes())
}

func TestLogoutThenLoginOnSameTokenRecoversSensitiveValue(t *testing.T) {
	tok, _ := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	require.NoError(t, tok.SetPin(SessionContext{SOLoggedIn: true}, User, []byte("userpin"), []byte("sopin")))
	require.NoError(t, tok.Login(User, []byte("userpin")))

	mech, err := tok.mechs.Get(mechanism.AESKeyGen)
	require.NoError(t, err)
	lenAttr, _ := attribute.FromULong(attribute.ValueLen, 16)
	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	obj, err := mech.GenerateKey(nil, []attribute.Attribute{lenAttr, tokenAttr}, tok.tmpl, tok.prov)
	require.NoError(t, err)
	valAttr, _ := obj.GetAttr(attribute.Value)
	original := valAttr.Bytes()

	handle, err := tok.RegisterGenerated(rwUser(), obj)
	require.NoError(t, err)

	tok.Logout()
	require.NoError(t, tok.Login(User, []byte("userpin")))

	reopened, err := tok.lookup(handle)
	require.NoError(t, err)
	reVal, ok := reopened.GetAttr(attribute.Value)
	require.True(t, ok)
	assert.Equal(t, original, reVal.Bytes())
}

func TestSaveAfterLogoutPersistsRecoverableEnvelope(t *testing.T) {
	tok, path := newTestToken(t)
	require.NoError(t, tok.Init(rwPublic(), []byte("sopin"), "label"))
	require.NoError(t, tok.SetPin(SessionContext{SOLoggedIn: true}, User, []byte("userpin"), []byte("sopin")))
	require.NoError(t, tok.Login(User, []byte("userpin")))

	mech, err := tok.mechs.Get(mechanism.AESKeyGen)
	require.NoError(t, err)
	lenAttr, _ := attribute.FromULong(attribute.ValueLen, 16)
	tokenAttr, _ := attribute.FromBool(attribute.Token, true)
	obj, err := mech.GenerateKey(nil, []attribute.Attribute{lenAttr, tokenAttr}, tok.tmpl, tok.prov)
	require.NoError(t, err)
	valAttr, _ := obj.GetAttr(attribute.Value)
	original := valAttr.Bytes()
	uid := ""
	_, err = tok.RegisterGenerated(rwUser(), obj)
	require.NoError(t, err)
	for id := range tok.objects {
		uid = id
	}

	tok.Logout()
	// A dirty-causing op unrelated to the sensitive object, followed by a
	// save, must not persist the zeroed in-memory state: Logout already
	// resealed it above.
	require.NoError(t, tok.SetPin(SessionContext{}, User, []byte("userpin2"), []byte("userpin")))
	require.NoError(t, tok.Save())

	store, err := storage.NewJSONBackend(path)
	require.NoError(t, err)
	reloaded, err := Load(store, template.NewRegistry(), mechanism.NewDefaultRegistry(), provider.Default{}, true)
	require.NoError(t, err)
	require.NoError(t, reloaded.Login(User, []byte("userpin2")))

	reopened, ok := reloaded.objects[uid]
	require.True(t, ok)
	reVal, ok := reopened.GetAttr(attribute.Value)
	require.True(t, ok)
	assert.Equal(t, original, reVal.Bytes())
}
