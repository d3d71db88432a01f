package keystore

import (
	"errors"
	"sync"
)

// ErrBadPassphraseOrCorrupt is returned by Decrypt/Unlock when the
// passphrase is wrong or the stored ciphertext has been tampered with.
var ErrBadPassphraseOrCorrupt = errors.New("keystore: bad passphrase or corrupt ciphertext")

// ErrInvalidPrivateKey is returned by Unlock when the decrypted material
// does not look like a syntactically valid private key.
var ErrInvalidPrivateKey = errors.New("keystore: decrypted material is not a valid private key")

// Validator checks that decrypted key material is a syntactically valid
// private key for the target event protocol. It is injected so keystore
// stays independent of eventproto's concrete key format.
type Validator func(plaintext []byte) bool

// Store is the in-memory unlocked-key table. It is per-process: plaintext
// key material lives here only, is never persisted, and is read-only from
// the perspective of the user plane (only Unlock and Install, called by
// the admin create_new_key and create_account handlers, mutate it).
type Store struct {
	mu       sync.RWMutex
	unlocked map[string][]byte
	validate Validator
}

// NewStore builds an empty unlocked-key table. validate may be nil, in
// which case any decrypted material is accepted.
func NewStore(validate Validator) *Store {
	return &Store{
		unlocked: make(map[string][]byte),
		validate: validate,
	}
}

// Unlock decrypts the named entry, validates the resulting material, and
// installs it in the unlocked table. Failures leave the table untouched.
func (s *Store) Unlock(name string, entry Entry, passphrase string) (bool, error) {
	plaintext, err := Decrypt(entry, passphrase)
	if err != nil {
		return false, err
	}
	if s.validate != nil && !s.validate(plaintext) {
		return false, ErrInvalidPrivateKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked[name] = append([]byte(nil), plaintext...)
	return true, nil
}

// Install places already-validated plaintext key material directly into
// the unlocked table, used by create_new_key and create_account right
// after the freshly generated key's encrypted entry has been persisted.
func (s *Store) Install(name string, plaintext []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked[name] = append([]byte(nil), plaintext...)
}

// GetUnlocked returns the unlocked material for name, if any.
func (s *Store) GetUnlocked(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.unlocked[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// IsUnlocked reports whether name currently has unlocked material.
func (s *Store) IsUnlocked(name string) bool {
	_, ok := s.GetUnlocked(name)
	return ok
}

// UnlockedNames lists every key name currently unlocked.
func (s *Store) UnlockedNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.unlocked))
	for name := range s.unlocked {
		names = append(names, name)
	}
	return names
}
