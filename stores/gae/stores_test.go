package gae

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/sitebook/tokenkeeper"
)

// memClient keeps entities in a map keyed by namespace and key path
type memClient struct {
	entities map[string]CredentialEntity
	puts     int
	getErr   error
}

func newMemClient() *memClient {
	return &memClient{entities: make(map[string]CredentialEntity)}
}

func (c *memClient) Get(ctx context.Context, key *datastore.Key, dst interface{}) error {
	if c.getErr != nil {
		return c.getErr
	}
	e, ok := c.entities[entityID(key)]
	if !ok {
		return datastore.ErrNoSuchEntity
	}
	*dst.(*CredentialEntity) = e
	return nil
}

func (c *memClient) Put(ctx context.Context, key *datastore.Key, src interface{}) (*datastore.Key, error) {
	c.puts++
	c.entities[entityID(key)] = *src.(*CredentialEntity)
	return key, nil
}

func (c *memClient) Delete(ctx context.Context, key *datastore.Key) error {
	if _, ok := c.entities[entityID(key)]; !ok {
		return datastore.ErrNoSuchEntity
	}
	delete(c.entities, entityID(key))
	return nil
}

func entityID(key *datastore.Key) string {
	return key.Namespace + "|" + key.String()
}

func TestPersister_LoadMissing(t *testing.T) {
	p := NewPersister(newMemClient(), "", "")

	cred, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestPersister_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	p := NewPersister(client, "tenant-1", "site-agent")

	first := &tk.Credential{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		User:         json.RawMessage(`{"id":"u-7"}`),
	}
	require.NoError(t, p.Save(ctx, first))

	// a second save replaces the single entity
	second := first.Clone()
	second.AccessToken, second.RefreshToken = "a2", "r2"
	require.NoError(t, p.Save(ctx, second))
	assert.Len(t, client.entities, 1)
	assert.Equal(t, 2, client.puts)

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	require.NoError(t, p.Clear(ctx))
	got, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	// clearing an absent entity is not an error
	assert.NoError(t, p.Clear(ctx))
}

func TestPersister_NamespacesAreSeparate(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	a := NewPersister(client, "tenant-a", "")
	b := NewPersister(client, "tenant-b", "")

	require.NoError(t, a.Save(ctx, &tk.Credential{AccessToken: "a-token"}))

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPersister_LoadError(t *testing.T) {
	client := newMemClient()
	client.getErr = errors.New("datastore unavailable")
	p := NewPersister(client, "", "")

	_, err := p.Load(context.Background())
	assert.ErrorIs(t, err, client.getErr)
}

func TestPersister_WithStore(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()

	s1 := tk.NewStore(NewPersister(client, "", ""))
	require.NoError(t, s1.Save(ctx, &tk.Credential{AccessToken: "a1", RefreshToken: "r1"}))

	s2 := tk.NewStore(NewPersister(client, "", ""))
	cred, err := s2.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "r1", cred.RefreshToken)
}
