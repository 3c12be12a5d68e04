package mechanism

import (
	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

// PBKDF2Params carries the salt and iteration count for the
// PBKDF2-generate-key-from-secret mechanism (spec.md section 4.2's
// ACI layer uses the same derivation directly through provider, not
// through this mechanism; this registration exists so a caller can
// derive a CKO_SECRET_KEY object the ordinary generate-key path).
type PBKDF2Params struct {
	Salt       []byte
	Iterations int
}

// HKDFParams carries the info string and output length for
// HKDF-Derive.
type HKDFParams struct {
	Info   []byte
	OutLen int
}

func registerKDF(r *Registry) {
	r.Register(&Mechanism{
		ID:   PBKDF2,
		Info: Info{MinKeyBits: 8, MaxKeyBits: 4096, Generate: true},
		GenerateKey: func(params interface{}, caller []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error) {
			pp, ok := params.(PBKDF2Params)
			if !ok {
				return nil, ckerror.New(ckerror.MechanismParamInvalid)
			}
			var secret []byte
			var valueLen uint64
			haveLen := false
			for _, a := range caller {
				switch a.Code() {
				case attribute.Value:
					secret = a.Bytes()
				case attribute.ValueLen:
					v, err := a.ULong()
					if err != nil {
						return nil, ckerror.New(ckerror.AttributeTypeInvalid)
					}
					valueLen = v
					haveLen = true
				}
			}
			if secret == nil || !haveLen {
				return nil, ckerror.New(ckerror.TemplateIncomplete)
			}
			if err := template.KeySizePolicy(template.KeyTypeGenericSecret, int(valueLen)); err != nil {
				return nil, err
			}
			derived := p.PBKDF2SHA256(secret, pp.Salt, pp.Iterations, int(valueLen))

			classAttr, _ := attribute.FromULong(attribute.Class, template.ClassSecretKey)
			typeAttr, _ := attribute.FromULong(attribute.KeyType, template.KeyTypeGenericSecret)
			withoutValue := stripCode(caller, attribute.Value)
			full := append([]attribute.Attribute{classAttr, typeAttr}, withoutValue...)
			obj, err := reg.DefaultObjectGenerate(template.ClassSecretKey, template.KeyTypeGenericSecret, full)
			if err != nil {
				return nil, err
			}
			valAttr, _ := attribute.FromBytes(attribute.Value, derived)
			obj.SetAttr(valAttr)
			obj.MarkSensitive(attribute.Value)
			return obj, nil
		},
	})
	r.Register(&Mechanism{
		ID:   HKDFDerive,
		Info: Info{MinKeyBits: 8, MaxKeyBits: 4096, Derive: true},
		Derive: func(params interface{}, base *object.Object, derivedAttrs []attribute.Attribute, reg *template.Registry, p provider.Provider) (*object.Object, error) {
			hp, ok := params.(HKDFParams)
			if !ok {
				return nil, ckerror.New(ckerror.MechanismParamInvalid)
			}
			if err := checkKeyPermitted(base, template.ClassSecretKey, template.KeyTypeGenericSecret, attribute.Derive); err != nil {
				return nil, err
			}
			baseKey, err := keyValueBytes(base)
			if err != nil {
				return nil, err
			}
			outLen := hp.OutLen
			if outLen <= 0 {
				outLen = 32
			}
			derived, err := p.HKDFSHA256Expand(baseKey, hp.Info, outLen)
			if err != nil {
				return nil, ckerror.Wrap(ckerror.DeviceError, err)
			}
			if err := template.KeySizePolicy(template.KeyTypeGenericSecret, outLen); err != nil {
				return nil, err
			}
			classAttr, _ := attribute.FromULong(attribute.Class, template.ClassSecretKey)
			typeAttr, _ := attribute.FromULong(attribute.KeyType, template.KeyTypeGenericSecret)
			withoutValue := stripCode(derivedAttrs, attribute.Value)
			full := append([]attribute.Attribute{classAttr, typeAttr}, withoutValue...)
			obj, err := reg.DefaultObjectGenerate(template.ClassSecretKey, template.KeyTypeGenericSecret, full)
			if err != nil {
				return nil, err
			}
			valAttr, _ := attribute.FromBytes(attribute.Value, derived)
			obj.SetAttr(valAttr)
			obj.MarkSensitive(attribute.Value)
			return obj, nil
		},
	})
}

func stripCode(attrs []attribute.Attribute, code attribute.Code) []attribute.Attribute {
	out := make([]attribute.Attribute, 0, len(attrs))
	for _, a := range attrs {
		if a.Code() == code {
			continue
		}
		out = append(out, a)
	}
	return out
}
