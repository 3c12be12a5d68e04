package mechanism

import (
	"crypto/cipher"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

const aesBlockSize = 16

// CBCParams carries the IV for AES-CBC and AES-CBC-PAD.
type CBCParams struct {
	IV [aesBlockSize]byte
}

// StreamParams carries the IV/starting state for OFB and CFB modes.
type StreamParams struct {
	IV [aesBlockSize]byte
}

// CTRParams carries the starting counter block and the counter width
// in bits, per spec.md section 4.2's "AES CTR counter-bit edge case".
type CTRParams struct {
	CounterBits int
	IV          [aesBlockSize]byte
}

// GCMParams carries the IV and AAD for one-shot AES-GCM.
type GCMParams struct {
	IV  []byte
	AAD []byte
}

func loadAESKey(key *object.Object, flagCode attribute.Code, p provider.Provider) (cipher.Block, error) {
	if err := checkKeyPermitted(key, template.ClassSecretKey, template.KeyTypeAES, flagCode); err != nil {
		return nil, err
	}
	raw, err := keyValueBytes(key)
	if err != nil {
		return nil, err
	}
	return p.NewAESBlock(raw)
}

// --- ECB ---
// PKCS#11 has no standardized CKM_AES_ECB; this registers it as the
// vendor mechanism spec.md section 8 scenario S1 exercises directly
// ("AES-ECB one-shot round-trip"). Go's crypto/cipher deliberately
// omits an ECB mode (it is not semantically secure for general use);
// it is hand-rolled here, block by block, exactly as wide as the spec
// scenario requires.
type ecbOp struct {
	block   cipher.Block
	encrypt bool
	buf     []byte
}

func (o *ecbOp) Update(input []byte) ([]byte, error) {
	o.buf = append(o.buf, input...)
	n := (len(o.buf) / aesBlockSize) * aesBlockSize
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	for i := 0; i < n; i += aesBlockSize {
		if o.encrypt {
			o.block.Encrypt(out[i:i+aesBlockSize], o.buf[i:i+aesBlockSize])
		} else {
			o.block.Decrypt(out[i:i+aesBlockSize], o.buf[i:i+aesBlockSize])
		}
	}
	o.buf = o.buf[n:]
	return out, nil
}

func (o *ecbOp) Final() ([]byte, error) {
	if len(o.buf) != 0 {
		return nil, ckerror.New(ckerror.DataLenRange)
	}
	return nil, nil
}

// --- CBC / CBC-PAD ---

type cbcOp struct {
	mode    cipher.BlockMode
	pad     bool
	encrypt bool
	buf     []byte
	block   cipher.Block
}

func (o *cbcOp) Update(input []byte) ([]byte, error) {
	o.buf = append(o.buf, input...)
	// CBC-PAD must retain at least one full block across Update/Final
	// so Final can strip padding; plain CBC may consume everything
	// that is block-aligned immediately.
	keep := 0
	if o.pad && !o.encrypt {
		keep = aesBlockSize
	}
	n := len(o.buf) - keep
	n -= n % aesBlockSize
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, n)
	o.mode.CryptBlocks(out, o.buf[:n])
	o.buf = o.buf[n:]
	return out, nil
}

func (o *cbcOp) Final() ([]byte, error) {
	if o.encrypt {
		if o.pad {
			padLen := aesBlockSize - (len(o.buf) % aesBlockSize)
			padded := append(append([]byte(nil), o.buf...), make([]byte, padLen)...)
			for i := len(padded) - padLen; i < len(padded); i++ {
				padded[i] = byte(padLen)
			}
			out := make([]byte, len(padded))
			o.mode.CryptBlocks(out, padded)
			return out, nil
		}
		if len(o.buf)%aesBlockSize != 0 {
			return nil, ckerror.New(ckerror.DataLenRange)
		}
		if len(o.buf) == 0 {
			return nil, nil
		}
		out := make([]byte, len(o.buf))
		o.mode.CryptBlocks(out, o.buf)
		return out, nil
	}
	// decrypt
	if o.pad {
		if len(o.buf) == 0 || len(o.buf)%aesBlockSize != 0 {
			return nil, ckerror.New(ckerror.EncryptedDataInvalid)
		}
		out := make([]byte, len(o.buf))
		o.mode.CryptBlocks(out, o.buf)
		padLen := int(out[len(out)-1])
		if padLen == 0 || padLen > aesBlockSize || padLen > len(out) {
			return nil, ckerror.New(ckerror.EncryptedDataInvalid)
		}
		for i := len(out) - padLen; i < len(out); i++ {
			if out[i] != byte(padLen) {
				return nil, ckerror.New(ckerror.EncryptedDataInvalid)
			}
		}
		return out[:len(out)-padLen], nil
	}
	if len(o.buf)%aesBlockSize != 0 {
		return nil, ckerror.New(ckerror.DataLenRange)
	}
	if len(o.buf) == 0 {
		return nil, nil
	}
	out := make([]byte, len(o.buf))
	o.mode.CryptBlocks(out, o.buf)
	return out, nil
}

func newCBCOp(params interface{}, key *object.Object, p provider.Provider, pad, encrypt bool) (*cbcOp, error) {
	cp, ok := params.(CBCParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	flag := attribute.Decrypt
	if encrypt {
		flag = attribute.Encrypt
	}
	block, err := loadAESKey(key, flag, p)
	if err != nil {
		return nil, err
	}
	var mode cipher.BlockMode
	if encrypt {
		mode = cipher.NewCBCEncrypter(block, cp.IV[:])
	} else {
		mode = cipher.NewCBCDecrypter(block, cp.IV[:])
	}
	return &cbcOp{mode: mode, pad: pad, encrypt: encrypt, block: block}, nil
}

// --- OFB / CFB (byte-for-byte streaming) ---

type streamOp struct {
	stream cipher.Stream
}

func (o *streamOp) Update(input []byte) ([]byte, error) {
	out := make([]byte, len(input))
	o.stream.XORKeyStream(out, input)
	return out, nil
}

func (o *streamOp) Final() ([]byte, error) { return nil, nil }

func newOFBOp(params interface{}, key *object.Object, p provider.Provider, encrypt bool) (*streamOp, error) {
	sp, ok := params.(StreamParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	flag := attribute.Decrypt
	if encrypt {
		flag = attribute.Encrypt
	}
	block, err := loadAESKey(key, flag, p)
	if err != nil {
		return nil, err
	}
	return &streamOp{stream: cipher.NewOFB(block, sp.IV[:])}, nil
}

// cfb8Stream implements CFB mode with an 8-bit feedback segment: the
// shift register advances one byte at a time, re-encrypting the
// register for every output byte, rather than the 128-bit segment
// crypto/cipher's CFB only ever implements.
type cfb8Stream struct {
	block   cipher.Block
	reg     []byte
	ks      []byte
	decrypt bool
}

func newCFB8Stream(block cipher.Block, iv []byte, decrypt bool) *cfb8Stream {
	reg := make([]byte, len(iv))
	copy(reg, iv)
	return &cfb8Stream{block: block, reg: reg, ks: make([]byte, len(iv)), decrypt: decrypt}
}

func (s *cfb8Stream) XORKeyStream(dst, src []byte) {
	for i := range src {
		s.block.Encrypt(s.ks, s.reg)
		var out, feedback byte
		if s.decrypt {
			feedback = src[i]
			out = src[i] ^ s.ks[0]
		} else {
			out = src[i] ^ s.ks[0]
			feedback = out
		}
		dst[i] = out
		copy(s.reg, s.reg[1:])
		s.reg[len(s.reg)-1] = feedback
	}
}

// cfb1Stream implements CFB mode with a 1-bit feedback segment,
// processing bits most-significant-first within each byte — the
// granularity CKM_AES_CFB1 requires and crypto/cipher has no
// primitive for at all.
type cfb1Stream struct {
	block   cipher.Block
	reg     []byte
	ks      []byte
	decrypt bool
}

func newCFB1Stream(block cipher.Block, iv []byte, decrypt bool) *cfb1Stream {
	reg := make([]byte, len(iv))
	copy(reg, iv)
	return &cfb1Stream{block: block, reg: reg, ks: make([]byte, len(iv)), decrypt: decrypt}
}

func shiftLeft1(reg []byte, newBit byte) {
	carry := newBit
	for i := len(reg) - 1; i >= 0; i-- {
		b := reg[i]
		reg[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func (s *cfb1Stream) XORKeyStream(dst, src []byte) {
	for i := range src {
		dst[i] = 0
	}
	for i := 0; i < len(src)*8; i++ {
		byteIdx := i / 8
		bitIdx := uint(7 - i%8)
		inputBit := (src[byteIdx] >> bitIdx) & 1

		s.block.Encrypt(s.ks, s.reg)
		ksBit := (s.ks[0] >> 7) & 1

		var outputBit, feedbackBit byte
		if s.decrypt {
			feedbackBit = inputBit
			outputBit = inputBit ^ ksBit
		} else {
			outputBit = inputBit ^ ksBit
			feedbackBit = outputBit
		}
		shiftLeft1(s.reg, feedbackBit)
		dst[byteIdx] |= outputBit << bitIdx
	}
}

func newCFBOp(params interface{}, key *object.Object, p provider.Provider, feedbackBits int, encrypt bool) (*streamOp, error) {
	sp, ok := params.(StreamParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	flag := attribute.Decrypt
	if encrypt {
		flag = attribute.Encrypt
	}
	block, err := loadAESKey(key, flag, p)
	if err != nil {
		return nil, err
	}
	var stream cipher.Stream
	switch feedbackBits {
	case 1:
		stream = newCFB1Stream(block, sp.IV[:], !encrypt)
	case 8:
		stream = newCFB8Stream(block, sp.IV[:], !encrypt)
	default:
		if encrypt {
			stream = cipher.NewCFBEncrypter(block, sp.IV[:])
		} else {
			stream = cipher.NewCFBDecrypter(block, sp.IV[:])
		}
	}
	return &streamOp{stream: stream}, nil
}

// --- CTR with counter-bit exhaustion (spec.md section 4.2 / section 8 S3) ---

type ctrOp struct {
	stream       cipher.Stream
	counterBits  int
	blocksLimit  uint64
	blocksSeen   uint64
}

func (o *ctrOp) Update(input []byte) ([]byte, error) {
	needed := (uint64(len(input)) + aesBlockSize - 1) / aesBlockSize
	if o.blocksSeen+needed > o.blocksLimit {
		return nil, ckerror.New(ckerror.DataLenRange)
	}
	out := make([]byte, len(input))
	o.stream.XORKeyStream(out, input)
	o.blocksSeen += needed
	return out, nil
}

func (o *ctrOp) Final() ([]byte, error) { return nil, nil }

func newCTROp(params interface{}, key *object.Object, p provider.Provider, encrypt bool) (*ctrOp, error) {
	cp, ok := params.(CTRParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	if cp.CounterBits <= 0 || cp.CounterBits > 128 {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	flag := attribute.Decrypt
	if encrypt {
		flag = attribute.Encrypt
	}
	block, err := loadAESKey(key, flag, p)
	if err != nil {
		return nil, err
	}
	limit := uint64(1) << uint(min(cp.CounterBits, 63))
	return &ctrOp{
		stream:      cipher.NewCTR(block, cp.IV[:]),
		counterBits: cp.CounterBits,
		blocksLimit: limit,
	}, nil
}

// --- AES-GCM, used both as a session operation and by the aci package
// for envelope sealing via provider.GCMSeal/GCMOpen directly. ---

type gcmOp struct {
	key     []byte
	iv      []byte
	aad     []byte
	encrypt bool
	buf     []byte
	p       provider.Provider
}

func (o *gcmOp) Update(input []byte) ([]byte, error) {
	o.buf = append(o.buf, input...)
	return nil, nil
}

func (o *gcmOp) Final() ([]byte, error) {
	if o.encrypt {
		return provider.GCMSeal(o.p, o.key, o.iv, o.aad, o.buf)
	}
	return provider.GCMOpen(o.p, o.key, o.iv, o.aad, o.buf)
}

func newGCMOp(params interface{}, key *object.Object, p provider.Provider, encrypt bool) (*gcmOp, error) {
	gp, ok := params.(GCMParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	flag := attribute.Decrypt
	if encrypt {
		flag = attribute.Encrypt
	}
	if err := checkKeyPermitted(key, template.ClassSecretKey, template.KeyTypeAES, flag); err != nil {
		return nil, err
	}
	raw, err := keyValueBytes(key)
	if err != nil {
		return nil, err
	}
	return &gcmOp{key: raw, iv: gp.IV, aad: gp.AAD, encrypt: encrypt, p: p}, nil
}

// wrapAESGCM implements the wrap operation flavor of spec.md section
// 4.2 for CKM_AES_GCM: the target key's CKA_VALUE is sealed under the
// wrapping key, AAD-bound the same way provider.GCMSeal binds the aci
// package's object-value envelopes.
func wrapAESGCM(params interface{}, wrappingKey, target *object.Object, p provider.Provider) ([]byte, error) {
	gp, ok := params.(GCMParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	if err := checkKeyPermitted(wrappingKey, template.ClassSecretKey, template.KeyTypeAES, attribute.Wrap); err != nil {
		return nil, err
	}
	if extractable, ok := target.GetAttr(attribute.Extractable); ok {
		if v, err := extractable.Bool(); err == nil && !v {
			return nil, ckerror.New(ckerror.KeyFunctionNotPermitted)
		}
	}
	wrapKeyBytes, err := keyValueBytes(wrappingKey)
	if err != nil {
		return nil, err
	}
	targetBytes, err := keyValueBytes(target)
	if err != nil {
		return nil, err
	}
	return provider.GCMSeal(p, wrapKeyBytes, gp.IV, gp.AAD, targetBytes)
}

// unwrapAESGCM implements the unwrap operation flavor of spec.md
// section 4.2 for CKM_AES_GCM: opens wrapped key material under the
// unwrapping key and installs it via default_object_unwrap.
func unwrapAESGCM(params interface{}, unwrappingKey *object.Object, wrapped []byte, targetAttrs []attribute.Attribute, class, keyType uint64, reg *template.Registry, p provider.Provider) (*object.Object, error) {
	gp, ok := params.(GCMParams)
	if !ok {
		return nil, ckerror.New(ckerror.MechanismParamInvalid)
	}
	if err := checkKeyPermitted(unwrappingKey, template.ClassSecretKey, template.KeyTypeAES, attribute.Unwrap); err != nil {
		return nil, err
	}
	unwrapKeyBytes, err := keyValueBytes(unwrappingKey)
	if err != nil {
		return nil, err
	}
	plain, err := provider.GCMOpen(p, unwrapKeyBytes, gp.IV, gp.AAD, wrapped)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.EncryptedDataInvalid, err)
	}
	obj, err := reg.DefaultObjectUnwrap(class, keyType, targetAttrs, plain)
	if err != nil {
		return nil, err
	}
	obj.MarkSensitive(attribute.Value)
	return obj, nil
}

func registerAES(r *Registry) {
	r.Register(&Mechanism{
		ID:   AESECB,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			block, err := loadAESKey(key, attribute.Encrypt, p)
			if err != nil {
				return nil, err
			}
			return &ecbOp{block: block, encrypt: true}, nil
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			block, err := loadAESKey(key, attribute.Decrypt, p)
			if err != nil {
				return nil, err
			}
			return &ecbOp{block: block, encrypt: false}, nil
		},
	})
	r.Register(&Mechanism{
		ID:   AESCBC,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newCBCOp(params, key, p, false, true)
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newCBCOp(params, key, p, false, false)
		},
	})
	r.Register(&Mechanism{
		ID:   AESCBCPad,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newCBCOp(params, key, p, true, true)
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newCBCOp(params, key, p, true, false)
		},
	})
	r.Register(&Mechanism{
		ID:   AESOFB,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newOFBOp(params, key, p, true)
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newOFBOp(params, key, p, false)
		},
	})
	cfbFeedbackBits := map[Identifier]int{AESCFB1: 1, AESCFB8: 8, AESCFB128: 128}
	for _, id := range []Identifier{AESCFB1, AESCFB8, AESCFB128} {
		id := id
		bits := cfbFeedbackBits[id]
		r.Register(&Mechanism{
			ID:   id,
			Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true},
			NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
				return newCFBOp(params, key, p, bits, true)
			},
			NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
				return newCFBOp(params, key, p, bits, false)
			},
		})
	}
	r.Register(&Mechanism{
		ID:   AESCTR,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newCTROp(params, key, p, true)
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newCTROp(params, key, p, false)
		},
	})
	r.Register(&Mechanism{
		ID:   AESGCM,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Encrypt: true, Decrypt: true, Wrap: true, Unwrap: true},
		NewEncrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newGCMOp(params, key, p, true)
		},
		NewDecrypt: func(params interface{}, key *object.Object, p provider.Provider) (CryptOp, error) {
			return newGCMOp(params, key, p, false)
		},
		Wrap:   wrapAESGCM,
		Unwrap: unwrapAESGCM,
	})
	r.Register(&Mechanism{
		ID:   AESKeyGen,
		Info: Info{MinKeyBits: 128, MaxKeyBits: 256, Generate: true},
		GenerateKey: func(params interface{}, caller []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error) {
			return generateSecretKey(template.KeyTypeAES, caller, reg, p)
		},
	})
	r.Register(&Mechanism{
		ID:   GenericSecretKeyGen,
		Info: Info{MinKeyBits: 8, MaxKeyBits: 4096, Generate: true},
		GenerateKey: func(params interface{}, caller []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error) {
			return generateSecretKey(template.KeyTypeGenericSecret, caller, reg, p)
		},
	})
}

// generateSecretKey implements the generate-key operation flavor of
// spec.md section 4.2 for symmetric/generic-secret keys. It does not
// check which mechanism called it: AES-KEY-GEN is its only caller for
// AES keys, while both GENERIC-SECRET-KEY-GEN and SHA256-HMAC-KEY-GEN
// use it for generic-secret keys.
func generateSecretKey(keyType uint64, caller []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error) {
	var valueLen uint64
	found := false
	for _, a := range caller {
		if a.Code() == attribute.ValueLen {
			v, err := a.ULong()
			if err != nil {
				return nil, ckerror.New(ckerror.AttributeTypeInvalid)
			}
			valueLen = v
			found = true
		}
	}
	if !found {
		return nil, ckerror.New(ckerror.TemplateIncomplete)
	}
	if err := template.KeySizePolicy(keyType, int(valueLen)); err != nil {
		return nil, err
	}
	classAttr, _ := attribute.FromULong(attribute.Class, template.ClassSecretKey)
	typeAttr, _ := attribute.FromULong(attribute.KeyType, keyType)
	full := append([]attribute.Attribute{classAttr, typeAttr}, caller...)
	obj, err := reg.DefaultObjectGenerate(template.ClassSecretKey, keyType, full)
	if err != nil {
		return nil, err
	}
	raw, err := p.Random(int(valueLen))
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	valAttr, _ := attribute.FromBytes(attribute.Value, raw)
	obj.SetAttr(valAttr)
	obj.MarkSensitive(attribute.Value)
	return obj, nil
}
