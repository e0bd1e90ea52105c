package fakebackend

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenNotFound = errors.New("refresh token not found")
	ErrTokenExpired  = errors.New("refresh token expired")
	ErrTokenRevoked  = errors.New("refresh token revoked")
	// ErrTokenReused means a rotated token was presented again; its family is revoked
	ErrTokenReused = errors.New("refresh token reused")
)

// RefreshToken is a server-side refresh token record.
// Tokens minted from one login share a Family.
type RefreshToken struct {
	Token      string
	TokenHash  string
	UserID     string
	Family     string
	Generation int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// tokenStore keeps refresh tokens in memory, indexed by hash
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[string]*RefreshToken)}
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func (s *tokenStore) create(userID string, now time.Time, ttl time.Duration) *RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintLocked(userID, uuid.NewString(), 1, now, ttl)
}

func (s *tokenStore) mintLocked(userID, family string, generation int, now time.Time, ttl time.Duration) *RefreshToken {
	token := uuid.NewString()
	rt := &RefreshToken{
		Token:      token,
		TokenHash:  hashToken(token),
		UserID:     userID,
		Family:     family,
		Generation: generation,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	s.tokens[rt.TokenHash] = rt
	return rt
}

// rotate revokes old and mints its successor in the same family.
// Presenting an already rotated token revokes the whole family.
func (s *tokenStore) rotate(old string, now time.Time, ttl time.Duration) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[hashToken(old)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if rt.Revoked {
		if rt.RevokedAt != nil {
			s.revokeLocked(func(t *RefreshToken) bool { return t.Family == rt.Family })
			return nil, ErrTokenReused
		}
		return nil, ErrTokenRevoked
	}
	if rt.IsExpired(now) {
		return nil, ErrTokenExpired
	}

	rt.Revoked = true
	rt.RevokedAt = &now
	return s.mintLocked(rt.UserID, rt.Family, rt.Generation+1, now, ttl), nil
}

// revoke marks token unusable without treating a later use as reuse
func (s *tokenStore) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.tokens[hashToken(token)]; ok {
		rt.Revoked = true
	}
}

func (s *tokenStore) revokeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(func(t *RefreshToken) bool { return t.UserID == userID })
}

func (s *tokenStore) revokeLocked(match func(*RefreshToken) bool) int {
	n := 0
	for _, t := range s.tokens {
		if match(t) && !t.Revoked {
			t.Revoked = true
			n++
		}
	}
	return n
}

func (s *tokenStore) active(userID string, now time.Time) []RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RefreshToken
	for _, t := range s.tokens {
		if t.UserID == userID && !t.Revoked && !t.IsExpired(now) {
			c := *t
			c.Token = ""
			out = append(out, c)
		}
	}
	return out
}
