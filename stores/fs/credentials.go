// Package fs provides a file system-based credential persister for tokenkeeper.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	tk "github.com/sitebook/tokenkeeper"
)

// Persister stores the credential as a JSON file on the filesystem
type Persister struct {
	mu   sync.Mutex
	path string
}

var _ tk.Persister = (*Persister)(nil)

// NewPersister creates a new FS-based persister.
// If path is empty, defaults to <UserConfigDir>/<appName>/credentials.json
func NewPersister(path string, appName string) (*Persister, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "tokenkeeper"
		}
		path = filepath.Join(configDir, appName, "credentials.json")
	}
	return &Persister{path: path}, nil
}

// Load reads the credential from disk. A missing file means logged out.
func (p *Persister) Load(ctx context.Context) (*tk.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var cred tk.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return &cred, nil
}

// Save writes the credential to disk
func (p *Persister) Save(ctx context.Context, cred *tk.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	// owner read/write only
	if err := writeAtomicFile(p.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.path, err)
	}
	return nil
}

// Clear removes the credentials file
func (p *Persister) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// Path returns the path to the credentials file
func (p *Persister) Path() string {
	return p.path
}

// writeAtomicFile replaces path with data through a temp file in the same directory
func writeAtomicFile(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
