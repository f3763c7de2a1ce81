package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIN length bounds.
const (
	MinPINLen = 4
	MaxPINLen = 8
)

// ErrNoCredential is returned when no credential has been enrolled yet.
var ErrNoCredential = errors.New("no credential set")

// CredentialStore persists the single operator credential as three lines:
// length, plaintext and the SHA-256 hex of the plaintext. The plaintext line
// is part of the historical file contract and is retained for offline
// recovery only; verification never reads it.
type CredentialStore struct {
	path string
}

// NewCredentialStore creates a store backed by path.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Exists reports whether a credential is enrolled.
func (s *CredentialStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Set validates and writes a new credential, replacing any prior one.
func (s *CredentialStore) Set(plain string) error {
	plain = normalizePIN(plain)
	if len(plain) < MinPINLen || len(plain) > MaxPINLen {
		return fmt.Errorf("pin length %d outside [%d,%d]", len(plain), MinPINLen, MaxPINLen)
	}
	sum := sha256.Sum256([]byte(plain))
	content := fmt.Sprintf("%d\n%s\n%s\n", len(plain), plain, hex.EncodeToString(sum[:]))
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

// Change parses the hash-delimited double entry "p1#p2#" and sets the
// credential when both entries are equal and valid.
func (s *CredentialStore) Change(entry string) error {
	parts := strings.Split(entry, "#")
	if len(parts) < 2 {
		return fmt.Errorf("double entry must contain two #-terminated pins")
	}
	p1, p2 := parts[0], parts[1]
	if p1 != p2 {
		return fmt.Errorf("pin entries do not match")
	}
	return s.Set(p1)
}

// Hash returns the stored 32-byte hash.
func (s *CredentialStore) Hash() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		return nil, fmt.Errorf("credential file has %d lines, want 3", len(lines))
	}
	length, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || length < MinPINLen || length > MaxPINLen {
		return nil, fmt.Errorf("credential file has invalid length line %q", lines[0])
	}
	sum, err := hex.DecodeString(strings.TrimSpace(lines[2]))
	if err != nil || len(sum) != sha256.Size {
		return nil, fmt.Errorf("credential file has invalid hash line")
	}
	return sum, nil
}

// Verify hashes the submitted PIN and compares it to the stored hash in
// constant time. It returns false, not an error, when no credential exists.
func (s *CredentialStore) Verify(pin string) (bool, error) {
	stored, err := s.Hash()
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return false, nil
		}
		return false, err
	}
	sum := sha256.Sum256([]byte(normalizePIN(pin)))
	return subtle.ConstantTimeCompare(sum[:], stored) == 1, nil
}

// Destroy removes the credential (hard reset).
func (s *CredentialStore) Destroy() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// normalizePIN strips surrounding whitespace and the end-of-entry sentinel.
func normalizePIN(p string) string {
	return strings.TrimSuffix(strings.TrimSpace(p), "#")
}
