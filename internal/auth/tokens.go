package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrTokenNotFound is returned when removing a token that is not enrolled.
var ErrTokenNotFound = errors.New("token not found")

// TokenStore persists the authorized-token set, one canonical UID per line.
type TokenStore struct {
	path string
}

// NewTokenStore creates a store backed by path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// FormatUID renders raw UID bytes as colon-separated uppercase hex with
// leading-zero padding, e.g. "04:A2:0B:00:11:22:33:44".
func FormatUID(uid []byte) string {
	parts := make([]string, len(uid))
	for i, b := range uid {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Normalize canonicalizes a token string for comparison.
func Normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func (s *TokenStore) list() ([]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := Normalize(sc.Text())
		if line != "" {
			tokens = append(tokens, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return tokens, nil
}

// List returns all enrolled tokens in file order.
func (s *TokenStore) List() ([]string, error) { return s.list() }

// Contains reports whether token is enrolled. Comparison is
// case-insensitive; storage is normalized upper.
func (s *TokenStore) Contains(token string) (bool, error) {
	tokens, err := s.list()
	if err != nil {
		return false, err
	}
	token = Normalize(token)
	for _, t := range tokens {
		if t == token {
			return true, nil
		}
	}
	return false, nil
}

// Add enrolls a token. Adding an already-enrolled token is a silent no-op
// reported as success.
func (s *TokenStore) Add(token string) error {
	token = Normalize(token)
	if token == "" {
		return fmt.Errorf("empty token")
	}
	ok, err := s.Contains(token)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open token file: %w", err)
	}
	if _, err := fmt.Fprintln(f, token); err != nil {
		f.Close()
		return fmt.Errorf("append token: %w", err)
	}
	return f.Close()
}

// Remove revokes a token by rewriting the file to a temp copy and renaming
// it into place. Absence of the token is reported as an error.
func (s *TokenStore) Remove(token string) error {
	tokens, err := s.list()
	if err != nil {
		return err
	}
	token = Normalize(token)
	kept := tokens[:0]
	found := false
	for _, t := range tokens {
		if t == token {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if !found {
		return fmt.Errorf("remove %s: %w", token, ErrTokenNotFound)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	for _, t := range kept {
		if _, err := fmt.Fprintln(f, t); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write temp token file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// Clear removes every token (hard reset).
func (s *TokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
