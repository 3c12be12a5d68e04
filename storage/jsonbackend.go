package storage

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
)

// JSONBackend persists the whole token as one human-inspectable JSON
// document, following the wire shape of spec.md section 6.3, with
// attribute values encoded as attribute.MarshalJSONValue describes —
// intended for tests and local development, grounded on kryoptic's
// json_objects.rs equivalent storage shape.
type JSONBackend struct {
	mu   sync.Mutex
	path string
	doc  jsonDoc
}

type jsonDoc struct {
	Token   jsonToken    `json:"token"`
	Users   []jsonUser   `json:"users"`
	Objects []jsonObject `json:"objects"`
}

type jsonToken struct {
	Label        string `json:"label"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Flags        uint64 `json:"flags"`
}

type jsonUser struct {
	Attributes jsonUserAttrs `json:"attributes"`
}

type jsonUserAttrs struct {
	Name       string `json:"name"`
	DefaultPin bool   `json:"default_pin"`
	Attempts   uint64 `json:"attempts"`
	Data       string `json:"data"`
}

type jsonObject struct {
	Attributes map[string]interface{} `json:"attributes"`
}

// NewJSONBackend opens (or prepares to create) a JSON-backed store at
// path. A missing file is not an error — it means a fresh token, per
// spec.md section 7.
func NewJSONBackend(path string) (*JSONBackend, error) {
	b := &JSONBackend{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	if len(raw) == 0 {
		return b, nil
	}
	if err := json.Unmarshal(raw, &b.doc); err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return b, nil
}

func (b *JSONBackend) flush() error {
	raw, err := json.MarshalIndent(b.doc, "", "  ")
	if err != nil {
		return ckerror.Wrap(ckerror.DeviceError, err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return ckerror.Wrap(ckerror.DeviceError, err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return ckerror.Wrap(ckerror.DeviceError, err)
	}
	return nil
}

func (b *JSONBackend) StoreTokenInfo(info TokenInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc.Token = jsonToken{
		Label:        info.Label,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Serial:       info.Serial,
		Flags:        info.Flags,
	}
	return b.flush()
}

func (b *JSONBackend) FetchTokenInfo() (TokenInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc.Token.Label == "" && b.doc.Token.Manufacturer == "" && b.doc.Token.Serial == "" {
		return TokenInfo{}, ErrNotFound{Resource: "token info"}
	}
	t := b.doc.Token
	return TokenInfo{Label: t.Label, Manufacturer: t.Manufacturer, Model: t.Model, Serial: t.Serial, Flags: t.Flags}, nil
}

func (b *JSONBackend) StoreUser(id string, info AuthInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	encoded := jsonUser{Attributes: jsonUserAttrs{
		Name:       info.Name,
		DefaultPin: info.DefaultPin,
		Attempts:   info.Attempts,
		Data:       base64.StdEncoding.EncodeToString(info.Data),
	}}
	for i, u := range b.doc.Users {
		if u.Attributes.Name == id {
			b.doc.Users[i] = encoded
			return b.flush()
		}
	}
	b.doc.Users = append(b.doc.Users, encoded)
	return b.flush()
}

func (b *JSONBackend) FetchUser(id string) (AuthInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.doc.Users {
		if u.Attributes.Name == id {
			raw, err := base64.StdEncoding.DecodeString(u.Attributes.Data)
			if err != nil {
				return AuthInfo{}, ckerror.Wrap(ckerror.DataInvalid, err)
			}
			return AuthInfo{
				Name:       u.Attributes.Name,
				DefaultPin: u.Attributes.DefaultPin,
				Attempts:   u.Attributes.Attempts,
				Data:       raw,
			}, nil
		}
	}
	return AuthInfo{}, ErrNotFound{Resource: "user " + id}
}

func (b *JSONBackend) StoreObj(obj *object.Object) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	encoded, err := encodeObject(obj)
	if err != nil {
		return err
	}
	uid := obj.UniqueID()
	for i, o := range b.doc.Objects {
		if existingUniqueID(o) == uid {
			b.doc.Objects[i] = encoded
			return b.flush()
		}
	}
	b.doc.Objects = append(b.doc.Objects, encoded)
	return b.flush()
}

func (b *JSONBackend) DeleteObj(uniqueID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]jsonObject, 0, len(b.doc.Objects))
	for _, o := range b.doc.Objects {
		if existingUniqueID(o) == uniqueID {
			continue
		}
		out = append(out, o)
	}
	b.doc.Objects = out
	return b.flush()
}

func (b *JSONBackend) Search(filter SearchFilter) ([]*object.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*object.Object
	for _, o := range b.doc.Objects {
		obj, err := decodeObject(o)
		if err != nil {
			return nil, err
		}
		if matchesFilter(obj, filter) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func existingUniqueID(o jsonObject) string {
	v, ok := o.Attributes[attribute.Name(attribute.UniqueID)]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func encodeObject(obj *object.Object) (jsonObject, error) {
	attrs := make(map[string]interface{})
	for _, a := range obj.Attributes() {
		v, err := a.MarshalJSONValue()
		if err != nil {
			return jsonObject{}, ckerror.Wrap(ckerror.DeviceError, err)
		}
		attrs[attribute.Name(a.Code())] = v
	}
	return jsonObject{Attributes: attrs}, nil
}

func decodeObject(o jsonObject) (*object.Object, error) {
	attrs := make(map[attribute.Code]attribute.Attribute)
	for name, v := range o.Attributes {
		code, ok := attribute.ByName(name)
		if !ok {
			continue
		}
		a, err := attribute.FromJSONValue(code, v)
		if err != nil {
			return nil, ckerror.Wrap(ckerror.DataInvalid, err)
		}
		attrs[code] = a
	}
	return objectFromAttrs(attrs), nil
}
