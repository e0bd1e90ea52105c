package tokenkeeper

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Refresher exchanges a refresh token for a new credential.
// Implementations return a *RefreshError (or an error wrapping
// ErrRefreshTokenRejected) when the refresh token itself is refused; any
// other error is treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
}

// RefreshFunc adapts a function to the Refresher interface
type RefreshFunc func(ctx context.Context, cred *Credential) (*Credential, error)

func (f RefreshFunc) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	return f(ctx, cred)
}

// ExpiryFromToken reads the exp claim of a JWT access token without verifying
// it. Returns false when the token is not a JWT or carries no expiry.
func ExpiryFromToken(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// NewCredential builds a credential from a token response received at now.
// expiresIn is in seconds; when it is zero the JWT exp claim is used instead.
// An empty refreshToken keeps prev's refresh token, for servers that do not rotate.
func NewCredential(now time.Time, accessToken, refreshToken, tokenType string, expiresIn int64, prev *Credential) *Credential {
	cred := &Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		IssuedAt:     now,
	}
	if expiresIn > 0 {
		cred.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	} else if exp, ok := ExpiryFromToken(accessToken); ok {
		cred.ExpiresAt = exp
	}
	if prev != nil {
		if cred.RefreshToken == "" {
			cred.RefreshToken = prev.RefreshToken
		}
		if cred.User == nil && prev.User != nil {
			cred.User = append(cred.User, prev.User...)
		}
	}
	return cred
}
