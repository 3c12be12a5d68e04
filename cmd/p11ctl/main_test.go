package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T, dbPath string) {
	t.Helper()
	viper.Reset()
	viper.Set("backend", "json")
	viper.Set("db", dbPath)
	viper.Set("encrypt-at-rest", true)
}

func TestInitTokenThenLoginRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "token.json")
	resetViper(t, dbPath)

	init := initTokenCmd()
	require.NoError(t, init.Flags().Set("label", "test token"))
	require.NoError(t, init.Flags().Set("so-pin", "sopin123"))
	require.NoError(t, init.RunE(init, nil))

	login := loginCmd()
	require.NoError(t, login.Flags().Set("user", "so"))
	require.NoError(t, login.Flags().Set("pin", "sopin123"))
	require.NoError(t, login.RunE(login, nil))

	badLogin := loginCmd()
	require.NoError(t, badLogin.Flags().Set("user", "so"))
	require.NoError(t, badLogin.Flags().Set("pin", "wrongpin"))
	assert.Error(t, badLogin.RunE(badLogin, nil))
}

func TestSetPinThenGenerateKeyAndListObjects(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "token.json")
	resetViper(t, dbPath)

	init := initTokenCmd()
	require.NoError(t, init.Flags().Set("label", "test token"))
	require.NoError(t, init.Flags().Set("so-pin", "sopin123"))
	require.NoError(t, init.RunE(init, nil))

	setPin := setPinCmd()
	require.NoError(t, setPin.Flags().Set("user", "user"))
	require.NoError(t, setPin.Flags().Set("so-assisted", "true"))
	require.NoError(t, setPin.Flags().Set("new-pin", "userpin123"))
	require.NoError(t, setPin.Flags().Set("old-pin", "sopin123"))
	require.NoError(t, setPin.RunE(setPin, nil))

	gen := generateKeyCmd()
	require.NoError(t, gen.Flags().Set("pin", "userpin123"))
	require.NoError(t, gen.Flags().Set("label", "my-aes-key"))
	require.NoError(t, gen.Flags().Set("bits", "256"))
	require.NoError(t, gen.RunE(gen, nil))

	list := listObjectsCmd()
	require.NoError(t, list.Flags().Set("pin", "userpin123"))
	require.NoError(t, list.RunE(list, nil))
}

func TestUnlockUserAcceptsSOPinOnceUserPinIsSet(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "token.json")
	resetViper(t, dbPath)

	init := initTokenCmd()
	require.NoError(t, init.Flags().Set("label", "test token"))
	require.NoError(t, init.Flags().Set("so-pin", "sopin123"))
	require.NoError(t, init.RunE(init, nil))

	setPin := setPinCmd()
	require.NoError(t, setPin.Flags().Set("user", "user"))
	require.NoError(t, setPin.Flags().Set("so-assisted", "true"))
	require.NoError(t, setPin.Flags().Set("new-pin", "userpin123"))
	require.NoError(t, setPin.Flags().Set("old-pin", "sopin123"))
	require.NoError(t, setPin.RunE(setPin, nil))

	unlock := unlockUserCmd()
	require.NoError(t, unlock.Flags().Set("so-pin", "sopin123"))
	require.NoError(t, unlock.RunE(unlock, nil))
}

func TestOpenStorageRejectsUnknownBackend(t *testing.T) {
	resetViper(t, filepath.Join(t.TempDir(), "token.json"))
	viper.Set("backend", "carrier-pigeon")
	_, err := openStorage()
	assert.Error(t, err)
}
