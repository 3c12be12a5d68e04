package mechanism

import (
	"crypto/hmac"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

type sha256DigestOp struct {
	buf []byte
	p   provider.Provider
}

func (o *sha256DigestOp) Update(input []byte) error {
	o.buf = append(o.buf, input...)
	return nil
}

func (o *sha256DigestOp) Final() ([]byte, error) {
	return o.p.SHA256(o.buf), nil
}

type hmacSignOp struct {
	key []byte
	buf []byte
	p   provider.Provider
}

func (o *hmacSignOp) Update(input []byte) error {
	o.buf = append(o.buf, input...)
	return nil
}

func (o *hmacSignOp) Final() ([]byte, error) {
	return o.p.HMACSHA256(o.key, o.buf), nil
}

type hmacVerifyOp struct {
	key []byte
	buf []byte
	p   provider.Provider
}

func (o *hmacVerifyOp) Update(input []byte) error {
	o.buf = append(o.buf, input...)
	return nil
}

func (o *hmacVerifyOp) Final(sig []byte) (bool, error) {
	expected := o.p.HMACSHA256(o.key, o.buf)
	return hmac.Equal(expected, sig), nil
}

func registerDigestAndHMAC(r *Registry) {
	r.Register(&Mechanism{
		ID:   SHA256,
		Info: Info{Digest: true},
		NewDigest: func(params interface{}, p provider.Provider) (DigestOp, error) {
			return &sha256DigestOp{p: p}, nil
		},
	})
	r.Register(&Mechanism{
		ID:   SHA256HMAC,
		Info: Info{MinKeyBits: 8, MaxKeyBits: 4096, Sign: true, Verify: true},
		NewSign: func(params interface{}, key *object.Object, p provider.Provider) (SignOp, error) {
			if err := checkKeyPermitted(key, template.ClassSecretKey, template.KeyTypeGenericSecret, attribute.Sign); err != nil {
				return nil, err
			}
			raw, err := keyValueBytes(key)
			if err != nil {
				return nil, err
			}
			return &hmacSignOp{key: raw, p: p}, nil
		},
		NewVerify: func(params interface{}, key *object.Object, p provider.Provider) (VerifyOp, error) {
			if err := checkKeyPermitted(key, template.ClassSecretKey, template.KeyTypeGenericSecret, attribute.Verify); err != nil {
				return nil, err
			}
			raw, err := keyValueBytes(key)
			if err != nil {
				return nil, err
			}
			return &hmacVerifyOp{key: raw, p: p}, nil
		},
	})
	r.Register(&Mechanism{
		ID:   SHA256HMACKeyGen,
		Info: Info{MinKeyBits: 8, MaxKeyBits: 4096, Generate: true},
		GenerateKey: func(params interface{}, caller []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error) {
			return generateSecretKey(template.KeyTypeGenericSecret, caller, reg, p)
		},
	})
}
