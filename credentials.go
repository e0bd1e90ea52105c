package tokenkeeper

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTokenType is used when the server does not name a token type
const DefaultTokenType = "Bearer"

// Credential is the single persisted authentication record.
// A Credential is treated as immutable once handed to a Store; use Clone
// before modifying a value obtained from one.
type Credential struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	TokenType    string          `json:"tokenType,omitempty"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	IssuedAt     time.Time       `json:"issuedAt,omitempty"`
	User         json.RawMessage `json:"user,omitempty"` // opaque profile, never interpreted
}

// Clone returns a deep copy of the credential
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.User != nil {
		out.User = append(json.RawMessage(nil), c.User...)
	}
	return &out
}

// IsExpired returns true if the access token has expired at now.
// A credential without an expiry never expires.
func (c *Credential) IsExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration of now
func (c *Credential) IsExpiringSoon(now time.Time, within time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(within).After(c.ExpiresAt)
}

// HasRefreshToken returns true if a refresh token is available
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// Schedulable reports whether the record carries enough to arm a refresh timer
func (c *Credential) Schedulable() bool {
	return c.AccessToken != "" && !c.ExpiresAt.IsZero()
}

// AuthorizationValue returns the value for an Authorization header
func (c *Credential) AuthorizationValue() string {
	tt := c.TokenType
	if tt == "" {
		tt = DefaultTokenType
	}
	return tt + " " + c.AccessToken
}

// Persister is durable storage for a single credential record.
type Persister interface {
	// Load returns the persisted record, or nil, nil if none is stored
	Load(ctx context.Context) (*Credential, error)

	// Save replaces the persisted record
	Save(ctx context.Context, cred *Credential) error

	// Clear removes the persisted record. Clearing an absent record is not an error.
	Clear(ctx context.Context) error
}

// CredentialStore is the source of truth for the current credential
type CredentialStore interface {
	// Load reads the persisted record into memory. Returns nil, nil when absent.
	Load(ctx context.Context) (*Credential, error)

	// Save atomically replaces the in-memory and persisted record
	Save(ctx context.Context, cred *Credential) error

	// Clear removes both the in-memory and persisted record
	Clear(ctx context.Context) error

	// Current returns a copy of the in-memory record without doing any I/O
	Current() *Credential

	// Subscribe registers fn to be called after every change
	Subscribe(fn func(*Credential)) (cancel func())
}
