package oauth2

import (
	"context"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	tk "github.com/sitebook/tokenkeeper"
)

// Source is what TokenSource needs from the lifecycle manager
type Source interface {
	Current() *tk.Credential
	AwaitRefresh(ctx context.Context) (*tk.Credential, error)
	Expiring() bool
	Clock() clockwork.Clock
}

type managerSource struct {
	ctx context.Context
	src Source
}

// TokenSource returns an oauth2.TokenSource that serves the manager's
// current credential and joins a refresh when it is about to expire. It lets
// clients built on golang.org/x/oauth2 share one tokenkeeper session.
func TokenSource(ctx context.Context, src Source) oauth2.TokenSource {
	return &managerSource{ctx: ctx, src: src}
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	cred := s.src.Current()
	if cred == nil {
		return nil, tk.ErrNoCredential
	}
	if s.src.Expiring() && cred.HasRefreshToken() {
		next, err := s.src.AwaitRefresh(s.ctx)
		if err == nil && next != nil {
			cred = next
		} else if tk.IsFatal(err) || cred.IsExpired(s.src.Clock().Now()) {
			// a transient failure keeps serving the old token until it expires
			if err == nil {
				err = tk.ErrNoCredential
			}
			return nil, err
		}
	}
	return ToToken(cred), nil
}

// ToToken converts a credential to an oauth2.Token
func ToToken(cred *tk.Credential) *oauth2.Token {
	tt := cred.TokenType
	if tt == "" {
		tt = tk.DefaultTokenType
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    tt,
		Expiry:       cred.ExpiresAt,
	}
}
