//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"

	tk "github.com/sitebook/tokenkeeper"
)

// DefaultKey is the row key used when none is given
const DefaultKey = "default"

// AutoMigrate runs database migrations for the credentials table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CredentialModel{})
}

// Persister implements tk.Persister using GORM
type Persister struct {
	db  *gorm.DB
	key string
}

var _ tk.Persister = (*Persister)(nil)

// NewPersister stores the credential under key (DefaultKey when empty)
func NewPersister(db *gorm.DB, key string) *Persister {
	if key == "" {
		key = DefaultKey
	}
	return &Persister{db: db, key: key}
}

func (p *Persister) Load(ctx context.Context) (*tk.Credential, error) {
	var model CredentialModel
	if err := p.db.WithContext(ctx).First(&model, "cred_key = ?", p.key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToCredential(), nil
}

// Save upserts the row so all fields are replaced in one statement
func (p *Persister) Save(ctx context.Context, cred *tk.Credential) error {
	return p.db.WithContext(ctx).Save(CredentialToModel(p.key, cred)).Error
}

func (p *Persister) Clear(ctx context.Context) error {
	return p.db.WithContext(ctx).Delete(&CredentialModel{}, "cred_key = ?", p.key).Error
}
