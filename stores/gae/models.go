//go:build !wasm
// +build !wasm

package gae

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/datastore"
	tk "github.com/sitebook/tokenkeeper"
)

// CredentialEntity is the Datastore entity for the stored credential.
// Tokens are not indexed.
type CredentialEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	AccessToken  string         `datastore:"access_token,noindex"`
	RefreshToken string         `datastore:"refresh_token,noindex"`
	TokenType    string         `datastore:"token_type,noindex"`
	ExpiresAt    time.Time      `datastore:"expires_at"`
	IssuedAt     time.Time      `datastore:"issued_at"`
	User         []byte         `datastore:"user,noindex"` // JSON encoded
	UpdatedAt    time.Time      `datastore:"updated_at"`
}

func (e *CredentialEntity) ToCredential() *tk.Credential {
	cred := &tk.Credential{
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		TokenType:    e.TokenType,
		ExpiresAt:    e.ExpiresAt,
		IssuedAt:     e.IssuedAt,
	}
	if len(e.User) > 0 {
		cred.User = json.RawMessage(e.User)
	}
	return cred
}

func CredentialToEntity(c *tk.Credential, key *datastore.Key) *CredentialEntity {
	return &CredentialEntity{
		Key:          key,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		ExpiresAt:    c.ExpiresAt,
		IssuedAt:     c.IssuedAt,
		User:         []byte(c.User),
		UpdatedAt:    time.Now(),
	}
}
