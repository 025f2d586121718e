// Package credsafe holds session-scoped credentials encrypted in memory.
// Secrets are keyed by project identity and sealed with a per-process
// random key, so a heap dump does not expose plaintext passwords and
// nothing ever touches disk.
package credsafe

import (
	"crypto/cipher"
	"crypto/rand"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quarryhq/quarry/internal/dberr"
)

// Store is an in-memory credential vault for the lifetime of the process.
type Store struct {
	aead cipher.AEAD

	mu      sync.Mutex
	entries map[string]sealed
}

type sealed struct {
	nonce []byte
	box   []byte
}

// New creates a store with a fresh random key. The key lives only in this
// process; restarting the application discards every stored secret.
func New() (*Store, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, dberr.Wrap(dberr.KindOperational, "generating credential store key", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindOperational, "initializing credential store cipher", err)
	}
	return &Store{
		aead:    aead,
		entries: make(map[string]sealed),
	}, nil
}

// normKey makes lookups case-insensitive so path-spelling differences on
// Windows do not split a project's credentials.
func normKey(projectKey string) string {
	return strings.ToLower(strings.TrimSpace(projectKey))
}

// Put seals secret under projectKey, replacing any previous value.
func (s *Store) Put(projectKey, secret string) error {
	if projectKey == "" {
		return dberr.New(dberr.KindValidation, "credential key must not be empty")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return dberr.Wrap(dberr.KindOperational, "sealing credential", err)
	}
	box := s.aead.Seal(nil, nonce, []byte(secret), nil)

	s.mu.Lock()
	s.entries[normKey(projectKey)] = sealed{nonce: nonce, box: box}
	s.mu.Unlock()
	return nil
}

// Get returns the secret stored under projectKey. A miss is a NotFound
// error so callers can fall back to prompting.
func (s *Store) Get(projectKey string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[normKey(projectKey)]
	s.mu.Unlock()
	if !ok {
		return "", dberr.Newf(dberr.KindNotFound, "no credential stored for %q", projectKey)
	}
	plain, err := s.aead.Open(nil, e.nonce, e.box, nil)
	if err != nil {
		return "", dberr.Wrap(dberr.KindOperational, "unsealing credential", err)
	}
	return string(plain), nil
}

// Has reports whether a secret exists for projectKey.
func (s *Store) Has(projectKey string) bool {
	s.mu.Lock()
	_, ok := s.entries[normKey(projectKey)]
	s.mu.Unlock()
	return ok
}

// Delete removes the secret for projectKey. Deleting a missing key is not
// an error.
func (s *Store) Delete(projectKey string) {
	s.mu.Lock()
	delete(s.entries, normKey(projectKey))
	s.mu.Unlock()
}

// Clear wipes every stored secret.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]sealed)
	s.mu.Unlock()
}
