package oauth2

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	tk "github.com/sitebook/tokenkeeper"
)

// Refresher renews credentials with the refresh_token grant of a standard
// OAuth2 token endpoint.
type Refresher struct {
	Config *oauth2.Config

	// Client is used for the token request. Defaults to http.DefaultClient.
	Client *http.Client

	// Now stamps IssuedAt. Defaults to time.Now.
	Now func() time.Time
}

var _ tk.Refresher = (*Refresher)(nil)

// NewRefresher creates a Refresher for config
func NewRefresher(config *oauth2.Config) *Refresher {
	return &Refresher{Config: config}
}

func (r *Refresher) Refresh(ctx context.Context, cred *tk.Credential) (*tk.Credential, error) {
	if cred == nil || !cred.HasRefreshToken() {
		return nil, tk.ErrNoCredential
	}
	if r.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.Client)
	}

	// An already expired token makes the source go straight to the endpoint
	stale := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	tok, err := r.Config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, classify(err)
	}

	now := r.now()
	next := tk.NewCredential(now, tok.AccessToken, tok.RefreshToken, tok.Type(), 0, cred)
	if !tok.Expiry.IsZero() {
		next.ExpiresAt = tok.Expiry
	}
	return next, nil
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// classify maps token endpoint failures onto tokenkeeper errors. A rejected
// grant or an authorization status is fatal; everything else is transient.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &tk.RefreshError{Op: "refresh", Kind: tk.KindTransient, Err: err}
	}

	out := &tk.RefreshError{
		Op:      "refresh",
		Kind:    tk.KindTransient,
		Message: re.ErrorDescription,
		Err:     err,
	}
	if re.Response != nil {
		out.StatusCode = re.Response.StatusCode
	}
	switch {
	case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_token":
		out.Kind = tk.KindFatal
	case out.StatusCode == http.StatusUnauthorized, out.StatusCode == http.StatusForbidden:
		out.Kind = tk.KindFatal
	}
	if out.Message == "" {
		out.Message = re.ErrorCode
	}
	return out
}
