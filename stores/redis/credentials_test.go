package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/sitebook/tokenkeeper"
)

// fakeClient keeps values in a map and records the last expiration
type fakeClient struct {
	mu      sync.Mutex
	data    map[string][]byte
	lastTTL time.Duration
	failGet error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string][]byte{}}
}

func (f *fakeClient) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStringCmd(ctx, "get", key)
	if f.failGet != nil {
		cmd.SetErr(f.failGet)
		return cmd
	}
	v, ok := f.data[key]
	if !ok {
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	cmd.SetVal(string(v))
	return cmd
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.lastTTL = expiration
	cmd := goredis.NewStatusCmd(ctx, "set", key)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := goredis.NewIntCmd(ctx, "del")
	cmd.SetVal(n)
	return cmd
}

func TestPersister_LoadMissing(t *testing.T) {
	p := NewPersister(newFakeClient(), "")

	cred, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, DefaultKey, p.Key())
}

func TestPersister_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	p := NewPersister(fc, "site-agent:cred")

	want := &tk.Credential{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		User:         json.RawMessage(`{"id":"u-1"}`),
	}
	require.NoError(t, p.Save(ctx, want))
	assert.Contains(t, fc.data, "site-agent:cred")
	assert.Zero(t, fc.lastTTL)

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, p.Clear(ctx))
	got, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	// clearing an absent key is fine
	assert.NoError(t, p.Clear(ctx))
}

func TestPersister_TTL(t *testing.T) {
	fc := newFakeClient()
	p := NewPersister(fc, "")
	p.TTL = time.Hour

	require.NoError(t, p.Save(context.Background(), &tk.Credential{
		AccessToken: "a",
		ExpiresAt:   time.Now().Add(30 * time.Minute),
	}))
	assert.Greater(t, fc.lastTTL, 89*time.Minute)
	assert.LessOrEqual(t, fc.lastTTL, 90*time.Minute)
}

func TestPersister_LoadErrors(t *testing.T) {
	ctx := context.Background()

	fc := newFakeClient()
	fc.failGet = errors.New("connection refused")
	_, err := NewPersister(fc, "").Load(ctx)
	assert.ErrorContains(t, err, "connection refused")

	fc = newFakeClient()
	fc.data[DefaultKey] = []byte("{not json")
	_, err = NewPersister(fc, "").Load(ctx)
	assert.Error(t, err)
}
