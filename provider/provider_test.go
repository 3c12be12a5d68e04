package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomProducesRequestedLength(t *testing.T) {
	p := Default{}
	buf, err := p.Random(32)
	require.NoError(t, err)
	assert.Len(t, buf, 32)
}

func TestHMACSHA256IsDeterministicAndKeyed(t *testing.T) {
	p := Default{}
	mac1 := p.HMACSHA256([]byte("key1"), []byte("message"))
	mac2 := p.HMACSHA256([]byte("key1"), []byte("message"))
	mac3 := p.HMACSHA256([]byte("key2"), []byte("message"))
	assert.Equal(t, mac1, mac2)
	assert.NotEqual(t, mac1, mac3)
}

func TestPBKDF2SHA256IsDeterministicGivenSameSaltAndIterations(t *testing.T) {
	p := Default{}
	k1 := p.PBKDF2SHA256([]byte("password"), []byte("salt"), 1000, 32)
	k2 := p.PBKDF2SHA256([]byte("password"), []byte("salt"), 1000, 32)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestHKDFSHA256ExpandProducesRequestedLength(t *testing.T) {
	p := Default{}
	out, err := p.HKDFSHA256Expand([]byte("master key material"), []byte("context"), 48)
	require.NoError(t, err)
	assert.Len(t, out, 48)
}

func TestGCMSealOpenRoundTrip(t *testing.T) {
	p := Default{}
	key, err := p.Random(32)
	require.NoError(t, err)
	iv, err := p.Random(12)
	require.NoError(t, err)
	aad := []byte("associated data")

	ct, err := GCMSeal(p, key, iv, aad, []byte("plaintext message"))
	require.NoError(t, err)

	pt, err := GCMOpen(p, key, iv, aad, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext message"), pt)
}

func TestGCMOpenRejectsTamperedCiphertext(t *testing.T) {
	p := Default{}
	key, _ := p.Random(32)
	iv, _ := p.Random(12)
	aad := []byte("aad")

	ct, err := GCMSeal(p, key, iv, aad, []byte("secret"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = GCMOpen(p, key, iv, aad, ct)
	assert.Error(t, err)
}

func TestGCMOpenRejectsWrongAAD(t *testing.T) {
	p := Default{}
	key, _ := p.Random(32)
	iv, _ := p.Random(12)

	ct, err := GCMSeal(p, key, iv, []byte("correct aad"), []byte("secret"))
	require.NoError(t, err)

	_, err = GCMOpen(p, key, iv, []byte("wrong aad"), ct)
	assert.Error(t, err)
}
