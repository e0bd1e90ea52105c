package tokenkeeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// memPersister is an in-memory Persister that counts writes and can fail on demand
type memPersister struct {
	mu      sync.Mutex
	cred    *Credential
	saves   int
	clears  int
	saveErr error
}

func (p *memPersister) Load(ctx context.Context) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cred.Clone(), nil
}

func (p *memPersister) Save(ctx context.Context, cred *Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.cred = cred.Clone()
	return nil
}

func (p *memPersister) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	p.cred = nil
	return nil
}

func (p *memPersister) stored() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cred.Clone()
}

// fakeRefresher records calls and answers with respond. When gate is set,
// each call signals started and waits for gate to close.
type fakeRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
	delay   time.Duration

	mu      sync.Mutex
	respond func(n int32, cred *Credential) (*Credential, error)
}

func newFakeRefresher(respond func(n int32, cred *Credential) (*Credential, error)) *fakeRefresher {
	return &fakeRefresher{respond: respond, started: make(chan struct{}, 16)}
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	n := f.calls.Add(1)
	f.started <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	return respond(n, cred)
}

func (f *fakeRefresher) setRespond(respond func(n int32, cred *Credential) (*Credential, error)) {
	f.mu.Lock()
	f.respond = respond
	f.mu.Unlock()
}

var errNetwork = errors.New("connection reset by peer")

func transientErr() error {
	return &RefreshError{Op: "refresh", Kind: KindTransient, StatusCode: 503, Err: errNetwork}
}

func fatalErr() error {
	return &RefreshError{Op: "refresh", Kind: KindFatal, StatusCode: 401, Code: "invalid_token", Message: "refresh token expired"}
}
