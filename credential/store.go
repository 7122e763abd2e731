// Package credential persists the login blob and watches it for changes
// made by other processes (logout in another window, token refresh).
package credential

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/clinicdesk/realtime/model"
)

const DefaultFileName = "credential.json"

// Blob is the persisted login. UnseenNotifications survives restarts so
// the badge is right before the first snapshot lands.
type Blob struct {
	Token               string               `json:"token"`
	UserID              string               `json:"userId,omitempty"`
	UnseenNotifications []model.Notification `json:"unseenNotifications,omitempty"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: filepath.Clean(path)}
}

func (s *Store) Path() string { return s.path }

// Load returns nil if the file does not exist.
func (s *Store) Load() (*Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Blob, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Save replaces the file atomically with 0600 permissions.
func (s *Store) Save(b *Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(b)
}

func (s *Store) saveLocked(b *Blob) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Update applies fn to the stored blob. It is a no-op when nothing is
// stored: there is no login to attach data to.
func (s *Store) Update(fn func(*Blob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.loadLocked()
	if err != nil || b == nil {
		return err
	}
	fn(b)
	return s.saveLocked(b)
}

// Clear removes the blob. Missing files are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
