//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"

	"cloud.google.com/go/datastore"

	tk "github.com/sitebook/tokenkeeper"
)

// KindCredential is the Datastore kind for stored credentials
const KindCredential = "Credential"

// DefaultKeyName is the entity name used when none is given
const DefaultKeyName = "default"

// Client is the subset of *datastore.Client the persister uses
type Client interface {
	Get(ctx context.Context, key *datastore.Key, dst interface{}) error
	Put(ctx context.Context, key *datastore.Key, src interface{}) (*datastore.Key, error)
	Delete(ctx context.Context, key *datastore.Key) error
}

var _ Client = (*datastore.Client)(nil)

// Persister implements tk.Persister using Google Cloud Datastore
type Persister struct {
	client    Client
	namespace string
	keyName   string
}

var _ tk.Persister = (*Persister)(nil)

// NewPersister stores the credential as one entity named keyName in namespace
func NewPersister(client Client, namespace, keyName string) *Persister {
	if keyName == "" {
		keyName = DefaultKeyName
	}
	return &Persister{client: client, namespace: namespace, keyName: keyName}
}

func (p *Persister) key() *datastore.Key {
	return namespacedKey(KindCredential, p.keyName, p.namespace)
}

func namespacedKey(kind, name, namespace string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = namespace
	return key
}

func (p *Persister) Load(ctx context.Context) (*tk.Credential, error) {
	var entity CredentialEntity
	if err := p.client.Get(ctx, p.key(), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, nil
		}
		return nil, err
	}
	return entity.ToCredential(), nil
}

func (p *Persister) Save(ctx context.Context, cred *tk.Credential) error {
	key := p.key()
	_, err := p.client.Put(ctx, key, CredentialToEntity(cred, key))
	return err
}

func (p *Persister) Clear(ctx context.Context) error {
	err := p.client.Delete(ctx, p.key())
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil
	}
	return err
}
