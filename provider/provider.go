// Package provider defines the narrow MechanismProvider interface
// spec.md section 1 describes: the core consumes cryptographic
// primitives (AES, RSA, SHA, HMAC, HKDF, PBKDF2) only through this
// interface, never by reaching into a specific library from the
// mechanism or aci packages directly. Default implements it with the
// standard library plus golang.org/x/crypto, the same primitive
// sourcing every repo in the retrieved corpus uses (none of them
// import a third-party AES/RSA/PBKDF2 engine).
package provider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Provider is the capability set the core requires of an underlying
// cryptographic engine. A host embedding this module against a
// different primitive source (e.g. a hardware RNG, an HSM-backed RSA
// key) need only satisfy this interface.
type Provider interface {
	Random(n int) ([]byte, error)
	NewAESBlock(key []byte) (cipher.Block, error)
	GenerateRSAKey(bits int) (*rsa.PrivateKey, error)
	SHA256(data []byte) []byte
	HMACSHA256(key, data []byte) []byte
	PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte
	HKDFSHA256Expand(key, info []byte, outLen int) ([]byte, error)
}

// Default is the stdlib/x-crypto backed implementation installed on a
// Token unless a test or embedder substitutes another Provider.
type Default struct{}

func (Default) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (Default) NewAESBlock(key []byte) (cipher.Block, error) {
	return aes.NewCipher(key)
}

func (Default) GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

func (Default) SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (Default) HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (Default) PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

func (Default) HKDFSHA256Expand(key, info []byte, outLen int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, key, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GCMSeal seals plaintext under key/iv/aad using AES-GCM (AES-128, -192
// or -256, according to the key's length), returning
// ciphertext with the authentication tag appended (standard
// crypto/cipher.AEAD.Seal convention).
func GCMSeal(p Provider, key, iv, aad, plaintext []byte) ([]byte, error) {
	block, err := p.NewAESBlock(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

// GCMOpen reverses GCMSeal.
func GCMOpen(p Provider, key, iv, aad, ciphertext []byte) ([]byte, error) {
	block, err := p.NewAESBlock(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, iv, ciphertext, aad)
}
