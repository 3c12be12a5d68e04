package storage

import (
	"encoding/json"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/jinzhu/gorm"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
)

// tokenInfoRow is the GORM model backing StoreTokenInfo/FetchTokenInfo.
// A token owns exactly one row; id is pinned to 1.
type tokenInfoRow struct {
	ID           uint `gorm:"primary_key"`
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Flags        uint64
}

func (tokenInfoRow) TableName() string { return "token_info" }

// userRecordRow is the GORM model for one auth record, keyed by
// principal name ("so" or "user"), mirroring the teacher's
// signer/keydbstore SQL row shape for key material.
type userRecordRow struct {
	Name       string `gorm:"primary_key"`
	DefaultPin bool
	Attempts   uint64
	Data       []byte
}

func (userRecordRow) TableName() string { return "user_records" }

// objectRow stores one Object as its unique id plus a JSON-encoded
// attribute map — the same encoding encodeObject/decodeObject use for
// the JSON backend, reused here so both backends share one wire shape
// for attribute values even though the SQL backend's outer structure
// is relational.
type objectRow struct {
	UniqueID      string `gorm:"primary_key"`
	AttributesRaw string `gorm:"type:text"`
}

func (objectRow) TableName() string { return "objects" }

// SQLBackend is the StorageRaw implementation over any GORM-supported
// SQL dialect (sqlite3, mysql, postgres), selected by the caller —
// typically cmd/p11ctl, which blank-imports the driver packages the
// way the teacher's cmd/notary-signer does.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend opens dialect/dsn and migrates the schema. Sqlite
// write contention ("database is locked") is retried with exponential
// backoff at the call sites below rather than here, since GORM opens
// the connection eagerly and migration itself is a one-shot operation
// run at startup.
func NewSQLBackend(dialect, dsn string) (*SQLBackend, error) {
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	if err := db.AutoMigrate(&tokenInfoRow{}, &userRecordRow{}, &objectRow{}).Error; err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return &SQLBackend{db: db}, nil
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}

// withRetry retries op against transient sqlite busy errors using
// exponential backoff, capped by backoff's default elapsed-time limit.
func withRetry(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.NewExponentialBackOff())
}

func (s *SQLBackend) StoreTokenInfo(info TokenInfo) error {
	row := tokenInfoRow{ID: 1, Label: info.Label, Manufacturer: info.Manufacturer, Model: info.Model, Serial: info.Serial, Flags: info.Flags}
	return withRetry(func() error {
		return s.db.Save(&row).Error
	})
}

func (s *SQLBackend) FetchTokenInfo() (TokenInfo, error) {
	var row tokenInfoRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		return TokenInfo{}, ErrNotFound{Resource: "token info"}
	}
	if err != nil {
		return TokenInfo{}, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return TokenInfo{Label: row.Label, Manufacturer: row.Manufacturer, Model: row.Model, Serial: row.Serial, Flags: row.Flags}, nil
}

func (s *SQLBackend) StoreUser(id string, info AuthInfo) error {
	row := userRecordRow{Name: id, DefaultPin: info.DefaultPin, Attempts: info.Attempts, Data: info.Data}
	return withRetry(func() error {
		return s.db.Save(&row).Error
	})
}

func (s *SQLBackend) FetchUser(id string) (AuthInfo, error) {
	var row userRecordRow
	err := s.db.First(&row, "name = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return AuthInfo{}, ErrNotFound{Resource: "user " + id}
	}
	if err != nil {
		return AuthInfo{}, ckerror.Wrap(ckerror.DeviceError, err)
	}
	return AuthInfo{Name: row.Name, DefaultPin: row.DefaultPin, Attempts: row.Attempts, Data: row.Data}, nil
}

func (s *SQLBackend) StoreObj(obj *object.Object) error {
	attrs := make(map[string]interface{})
	for _, a := range obj.Attributes() {
		v, err := a.MarshalJSONValue()
		if err != nil {
			return ckerror.Wrap(ckerror.DeviceError, err)
		}
		attrs[attribute.Name(a.Code())] = v
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return ckerror.Wrap(ckerror.DeviceError, err)
	}
	row := objectRow{UniqueID: obj.UniqueID(), AttributesRaw: string(raw)}
	return withRetry(func() error {
		return s.db.Save(&row).Error
	})
}

func (s *SQLBackend) DeleteObj(uniqueID string) error {
	return withRetry(func() error {
		return s.db.Where("unique_id = ?", uniqueID).Delete(&objectRow{}).Error
	})
}

func (s *SQLBackend) Search(filter SearchFilter) ([]*object.Object, error) {
	var rows []objectRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}
	var out []*object.Object
	for _, row := range rows {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(row.AttributesRaw), &decoded); err != nil {
			return nil, ckerror.Wrap(ckerror.DataInvalid, err)
		}
		attrs := make(map[attribute.Code]attribute.Attribute)
		for name, v := range decoded {
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
		obj := objectFromAttrs(attrs)
		if matchesFilter(obj, filter) {
			out = append(out, obj)
		}
	}
	return out, nil
}
