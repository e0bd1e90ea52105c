//go:build !wasm
// +build !wasm

package gorm

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	tk "github.com/sitebook/tokenkeeper"
)

// JSONRaw is a helper type for storing opaque JSON documents in GORM
type JSONRaw json.RawMessage

func (m JSONRaw) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return []byte(m), nil
}

func (m *JSONRaw) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = nil
	case []byte:
		*m = append(JSONRaw(nil), v...)
	case string:
		*m = JSONRaw(v)
	}
	return nil
}

// CredentialModel is the GORM model for the stored credential.
// One row per key; the default key holds the device's session.
type CredentialModel struct {
	Key          string `gorm:"column:cred_key;primaryKey;size:64"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	TokenType    string `gorm:"size:32"`
	ExpiresAt    time.Time
	IssuedAt     time.Time
	User         JSONRaw   `gorm:"type:jsonb"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (CredentialModel) TableName() string {
	return "credentials"
}

func (m *CredentialModel) ToCredential() *tk.Credential {
	cred := &tk.Credential{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		TokenType:    m.TokenType,
		ExpiresAt:    m.ExpiresAt,
		IssuedAt:     m.IssuedAt,
	}
	if len(m.User) > 0 {
		cred.User = json.RawMessage(m.User)
	}
	return cred
}

func CredentialToModel(key string, c *tk.Credential) *CredentialModel {
	return &CredentialModel{
		Key:          key,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		ExpiresAt:    c.ExpiresAt,
		IssuedAt:     c.IssuedAt,
		User:         JSONRaw(c.User),
	}
}
