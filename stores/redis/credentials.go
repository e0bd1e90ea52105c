// Package redis provides a Redis credential persister for tokenkeeper.
// The credential is stored as one JSON value under a single key, so
// several processes on different hosts can share one session.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	tk "github.com/sitebook/tokenkeeper"
)

// DefaultKey is used when no key is given
const DefaultKey = "tokenkeeper:credential"

// Client is the subset of goredis.Cmdable the persister uses
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Persister stores the credential in Redis
type Persister struct {
	client Client
	key    string

	// TTL expires the stored value this long after the access token expiry.
	// Zero keeps the value until cleared.
	TTL time.Duration
}

var _ tk.Persister = (*Persister)(nil)

// NewPersister creates a persister that stores the credential under key
func NewPersister(client Client, key string) *Persister {
	if key == "" {
		key = DefaultKey
	}
	return &Persister{client: client, key: key}
}

// Key returns the Redis key holding the credential
func (p *Persister) Key() string {
	return p.key
}

func (p *Persister) Load(ctx context.Context) (*tk.Credential, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var cred tk.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential: %w", err)
	}
	return &cred, nil
}

func (p *Persister) Save(ctx context.Context, cred *tk.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}
	if err := p.client.Set(ctx, p.key, data, p.expiration(cred)).Err(); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	return nil
}

func (p *Persister) Clear(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

func (p *Persister) expiration(cred *tk.Credential) time.Duration {
	if p.TTL <= 0 || cred.ExpiresAt.IsZero() {
		return 0
	}
	d := time.Until(cred.ExpiresAt) + p.TTL
	if d <= 0 {
		// already past; keep it briefly so Load can still see and clear it
		return time.Second
	}
	return d
}
