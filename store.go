package tokenkeeper

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Store keeps the authoritative in-memory credential and mirrors it to a
// Persister. The in-memory value wins: a failed persist is reported to the
// caller but never rolls back the in-memory state.
type Store struct {
	mu        sync.RWMutex
	current   *Credential
	persister Persister

	// persistMu orders writes to the persister in call order
	persistMu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]func(*Credential)
	nextObsID int
}

var _ CredentialStore = (*Store)(nil)

// NewStore creates a store backed by p. A nil persister keeps the record in memory only.
func NewStore(p Persister) *Store {
	return &Store{
		persister: p,
		observers: make(map[int]func(*Credential)),
	}
}

// Load reads the persisted record into memory
func (s *Store) Load(ctx context.Context) (*Credential, error) {
	if s.persister == nil {
		return s.Current(), nil
	}

	cred, err := s.persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	s.mu.Lock()
	s.current = cred.Clone()
	s.mu.Unlock()

	s.notify(cred)
	return cred.Clone(), nil
}

// Save replaces the in-memory record and persists it
func (s *Store) Save(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return s.Clear(ctx)
	}
	stored := cred.Clone()
	err := s.write(func() error {
		s.mu.Lock()
		s.current = stored
		s.mu.Unlock()

		if s.persister == nil {
			return nil
		}
		if err := s.persister.Save(ctx, stored); err != nil {
			return fmt.Errorf("failed to persist credential: %w", err)
		}
		return nil
	})
	s.notify(stored)
	return err
}

// Clear removes the in-memory and persisted record
func (s *Store) Clear(ctx context.Context) error {
	err := s.write(func() error {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()

		if s.persister == nil {
			return nil
		}
		if err := s.persister.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persisted credential: %w", err)
		}
		return nil
	})
	s.notify(nil)
	return err
}

// write runs fn with persisted writes serialized in call order
func (s *Store) write(fn func() error) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return fn()
}

// Current returns a copy of the in-memory record, or nil when logged out
func (s *Store) Current() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Subscribe registers fn to be called with the new record after each change.
// fn receives nil when the record is cleared. Observers run on the goroutine
// that made the change, after the store locks have been released.
func (s *Store) Subscribe(fn func(*Credential)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) notify(cred *Credential) {
	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	s.obsMu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		s.obsMu.Lock()
		fn, ok := s.observers[id]
		s.obsMu.Unlock()
		if ok {
			fn(cred.Clone())
		}
	}
}
