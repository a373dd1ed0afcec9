// Package device manages the per-installation device identity.
//
// Every client installation generates one opaque identifier and keeps it for
// its lifetime. The identifier exists for exactly one purpose: when a user is
// signed in on several devices at once and answers a call on one of them, the
// answering device broadcasts its identity so the sibling devices can tell
// "someone else answered" apart from "I answered" and dismiss their own
// incoming-call state.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const identityFileName = "device_id"

// Store is a durable slot for the installation's device identity.
type Store interface {
	// Identity returns the stored identifier, generating and persisting a
	// new one on first use. The identifier never rotates afterwards.
	Identity() (string, error)
}

// FileStore persists the device identity as a small file inside a data
// directory, created on first use.
type FileStore struct {
	dir string

	mu     sync.Mutex
	cached string
}

// NewFileStore creates a store rooted at dir. The directory is created when
// the identity is first generated.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Identity loads the persisted identifier, generating one if none exists.
func (s *FileStore) Identity() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	path := filepath.Join(s.dir, identityFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			s.cached = id
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device identity: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"device_id": id,
		"path":      path,
	}).Info("Generated new device identity")

	s.cached = id
	return id, nil
}

// MemoryStore holds a device identity in memory. It is used by tests and by
// ephemeral clients that do not want the identity to survive a restart.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

// NewMemoryStore creates a store with no identity; one is generated on first
// use. Pass a fixed id to NewMemoryStoreWithID for deterministic tests.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreWithID creates a store holding the given identity.
func NewMemoryStoreWithID(id string) *MemoryStore {
	return &MemoryStore{id: id}
}

// Identity returns the stored identifier, generating one on first use.
func (s *MemoryStore) Identity() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		s.id = uuid.NewString()
	}
	return s.id, nil
}
