package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoCredential is returned when no bearer token is stored for a session.
// REST and realtime connection attempts must not be made without one.
var ErrNoCredential = errors.New("no credential available; log in first")

// CredentialProvider supplies the bearer token used to authenticate both
// REST requests and realtime-channel connections.
type CredentialProvider interface {
	Token() (string, error)
}

// TokenStore is a file-backed CredentialProvider. The token lives in the
// session directory with 0600 permissions.
type TokenStore struct {
	mu   sync.RWMutex
	path string
}

// NewTokenStore creates a token store for the given session.
func NewTokenStore(sessionName string) *TokenStore {
	return &TokenStore{path: TokenPath(sessionName)}
}

// NewTokenStoreAt creates a token store backed by an explicit file path.
func NewTokenStoreAt(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Token returns the stored bearer token, or ErrNoCredential when the token
// file is absent or empty.
func (s *TokenStore) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoCredential
	}
	return tok, nil
}

// Set persists a new bearer token, creating the session dir as needed.
func (s *TokenStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token+"\n"), 0600)
}

// Clear removes the stored token. Missing file is not an error.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
