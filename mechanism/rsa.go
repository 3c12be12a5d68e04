package mechanism

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"io"
	"math/big"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

// providerReader adapts provider.Provider.Random to io.Reader, the
// shape crypto/rsa's blinding and PKCS1v15 padding routines require.
type providerReader struct {
	p provider.Provider
}

func (r providerReader) Read(buf []byte) (int, error) {
	raw, err := r.p.Random(len(buf))
	if err != nil {
		return 0, err
	}
	copy(buf, raw)
	return len(raw), nil
}

func rsaRandReader(p provider.Provider) io.Reader {
	return providerReader{p: p}
}

func bytesToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func bigIntToBytes(n *big.Int) []byte {
	return n.Bytes()
}

func bytesToUint(b []byte) uint64 {
	var u uint64
	for _, x := range b {
		u = (u << 8) | uint64(x)
	}
	return u
}

func uintToBytes(u uint64) []byte {
	// Minimal big-endian encoding, matching the width rsa.PublicKey.E
	// (an int, rarely more than 4 bytes in practice: 65537 = 0x010001).
	out := []byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	i := 0
	for i < len(out)-1 && out[i] == 0 {
		i++
	}
	return out[i:]
}

func loadRSAPublicKey(key *object.Object, flagCode attribute.Code) (*rsa.PublicKey, error) {
	if err := checkKeyPermitted(key, template.ClassPublicKey, template.KeyTypeRSA, flagCode); err != nil {
		return nil, err
	}
	modAttr, ok := key.GetAttr(attribute.Modulus)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	expAttr, ok := key.GetAttr(attribute.PublicExponent)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	return &rsa.PublicKey{
		N: bytesToBigInt(modAttr.Bytes()),
		E: int(bytesToUint(expAttr.Bytes())),
	}, nil
}

func loadRSAPrivateKey(key *object.Object, flagCode attribute.Code) (*rsa.PrivateKey, error) {
	if err := checkKeyPermitted(key, template.ClassPrivateKey, template.KeyTypeRSA, flagCode); err != nil {
		return nil, err
	}
	modAttr, ok := key.GetAttr(attribute.Modulus)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	expAttr, ok := key.GetAttr(attribute.PublicExponent)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	dAttr, ok := key.GetAttr(attribute.PrivateExponent)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	pAttr, ok := key.GetAttr(attribute.PrimeP)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	qAttr, ok := key.GetAttr(attribute.PrimeQ)
	if !ok {
		return nil, ckerror.New(ckerror.KeyTypeInconsistent)
	}
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: bytesToBigInt(modAttr.Bytes()),
			E: int(bytesToUint(expAttr.Bytes())),
		},
		D:      bytesToBigInt(dAttr.Bytes()),
		Primes: []*big.Int{bytesToBigInt(pAttr.Bytes()), bytesToBigInt(qAttr.Bytes())},
	}
	priv.Precompute()
	return priv, nil
}

// --- RSA-PKCS encrypt/decrypt/sign/verify, one-shot only: Update
// buffers its input and returns no output; the whole operation runs
// in Final. ---

type rsaCryptOp struct {
	pub     *rsa.PublicKey
	priv    *rsa.PrivateKey
	encrypt bool
	buf     []byte
	p       provider.Provider
}

func (o *rsaCryptOp) Update(input []byte) ([]byte, error) {
	o.buf = append(o.buf, input...)
	return nil, nil
}

func (o *rsaCryptOp) Final() ([]byte, error) {
	if o.encrypt {
		out, err := rsa.EncryptPKCS1v15(rsaRandReader(o.p), o.pub, o.buf)
		if err != nil {
			return nil, ckerror.Wrap(ckerror.DataLenRange, err)
		}
		return out, nil
	}
	out, err := rsa.DecryptPKCS1v15(rsaRandReader(o.p), o.priv, o.buf)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.EncryptedDataInvalid, err)
	}
	return out, nil
}

type rsaSignOp struct {
	priv *rsa.PrivateKey
	buf  []byte
	p    provider.Provider
}

func (o *rsaSignOp) Update(input []byte) error {
	o.buf = append(o.buf, input...)
	return nil
}

func (o *rsaSignOp) Final() ([]byte, error) {
	digest := sha256.Sum256(o.buf)
	sig, err := rsa.SignPKCS1v15(rsaRandReader(o.p), o.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return sig, nil
}

type rsaVerifyOp struct {
	pub *rsa.PublicKey
	buf []byte
}

func (o *rsaVerifyOp) Update(input []byte) error {
	o.buf = append(o.buf, input...)
	return nil
}

func (o *rsaVerifyOp) Final(sig []byte) (bool, error) {
	digest := sha256.Sum256(o.buf)
	if err := rsa.VerifyPKCS1v15(o.pub, crypto.SHA256, digest[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}

func registerRSA(r *Registry) {
	r.Register(&Mechanism{
		ID:   RSAPKCS,
		Info: Info{MinKeyBits: 1024, MaxKeyBits: 4096, Encrypt: true, Decrypt: true, Sign: true, Verify: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			pub, err := loadRSAPublicKey(key, attribute.Encrypt)
			if err != nil {
				return nil, err
			}
			return &rsaCryptOp{pub: pub, encrypt: true, p: p}, nil
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			priv, err := loadRSAPrivateKey(key, attribute.Decrypt)
			if err != nil {
				return nil, err
			}
			return &rsaCryptOp{priv: priv, encrypt: false, p: p}, nil
		},
		NewSign: func(params interface{}, key *object.Object, p provider.Provider) (SignOp, error) {
			priv, err := loadRSAPrivateKey(key, attribute.Sign)
			if err != nil {
				return nil, err
			}
			return &rsaSignOp{priv: priv, p: p}, nil
		},
		NewVerify: func(params interface{}, key *object.Object, p provider.Provider) (VerifyOp, error) {
			pub, err := loadRSAPublicKey(key, attribute.Verify)
			if err != nil {
				return nil, err
			}
			return &rsaVerifyOp{pub: pub}, nil
		},
	})
	r.Register(&Mechanism{
		ID:   RSAPKCSKeyPairGen,
		Info: Info{MinKeyBits: 1024, MaxKeyBits: 4096, GenerateKeyPair: true},
		GenerateKeyPair: func(params interface{}, pubAttrs, privAttrs []attribute.Attribute, reg *template.Registry, p provider.Provider) (pub, priv *object.Object, err error) {
			bits := rsaModulusBits(pubAttrs)
			if bits == 0 {
				bits = 2048
			}
			if err := template.KeySizePolicy(template.KeyTypeRSA, bits/8); err != nil {
				return nil, nil, err
			}
			key, err := p.GenerateRSAKey(bits)
			if err != nil {
				return nil, nil, ckerror.Wrap(ckerror.DeviceError, err)
			}
			nBytes := bigIntToBytes(key.N)
			eBytes := uintToBytes(uint64(key.E))

			classAttr, _ := attribute.FromULong(attribute.Class, template.ClassPublicKey)
			typeAttr, _ := attribute.FromULong(attribute.KeyType, template.KeyTypeRSA)
			modAttr, _ := attribute.FromBytes(attribute.Modulus, nBytes)
			expAttr, _ := attribute.FromBytes(attribute.PublicExponent, eBytes)
			fullPub := append([]attribute.Attribute{classAttr, typeAttr}, stripModulusBitsHint(pubAttrs)...)
			pubObj, err := reg.DefaultObjectGenerate(template.ClassPublicKey, template.KeyTypeRSA, fullPub)
			if err != nil {
				return nil, nil, err
			}
			pubObj.SetAttr(modAttr)
			pubObj.SetAttr(expAttr)

			privClassAttr, _ := attribute.FromULong(attribute.Class, template.ClassPrivateKey)
			fullPriv := append([]attribute.Attribute{privClassAttr, typeAttr}, privAttrs...)
			privObj, err := reg.DefaultObjectGenerate(template.ClassPrivateKey, template.KeyTypeRSA, fullPriv)
			if err != nil {
				return nil, nil, err
			}
			privObj.SetAttr(modAttr)
			privObj.SetAttr(expAttr)
			dAttr, _ := attribute.FromBytes(attribute.PrivateExponent, bigIntToBytes(key.D))
			pAttr, _ := attribute.FromBytes(attribute.PrimeP, bigIntToBytes(key.Primes[0]))
			qAttr, _ := attribute.FromBytes(attribute.PrimeQ, bigIntToBytes(key.Primes[1]))
			privObj.SetAttr(dAttr)
			privObj.MarkSensitive(attribute.PrivateExponent)
			privObj.SetAttr(pAttr)
			privObj.MarkSensitive(attribute.PrimeP)
			privObj.SetAttr(qAttr)
			privObj.MarkSensitive(attribute.PrimeQ)
			return pubObj, privObj, nil
		},
	})
}

// rsaModulusBits looks for a caller-supplied modulus-size hint encoded
// as CKA_VALUE_LEN on the public template; absent that, the
// generate-key-pair factory falls back to a 2048-bit default. The hint
// itself is not a real CKA_PUBLIC_KEY attribute, so it must be stripped
// before the template is handed to DefaultObjectGenerate.
func rsaModulusBits(pubAttrs []attribute.Attribute) int {
	for _, a := range pubAttrs {
		if a.Code() == attribute.ValueLen {
			u, err := a.ULong()
			if err == nil {
				return int(u)
			}
		}
	}
	return 0
}

func stripModulusBitsHint(attrs []attribute.Attribute) []attribute.Attribute {
	out := make([]attribute.Attribute, 0, len(attrs))
	for _, a := range attrs {
		if a.Code() == attribute.ValueLen {
			continue
		}
		out = append(out, a)
	}
	return out
}
