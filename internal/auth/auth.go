// Package auth implements the authentication gate: PIN credential and
// authorized-token verification backed by the persistent stores.
package auth

import (
	"errors"
	"log/slog"
	"time"

	"homeguard/internal/notify"
)

const noteDuration = 2 * time.Second

// Authenticator verifies PINs and tokens and emits exactly one user
// notification per operation.
type Authenticator struct {
	creds  *CredentialStore
	tokens *TokenStore
	bus    *notify.Bus
	logger *slog.Logger
}

// New creates an Authenticator over the given stores.
func New(creds *CredentialStore, tokens *TokenStore, bus *notify.Bus, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		creds:  creds,
		tokens: tokens,
		bus:    bus,
		logger: logger.With("component", "auth"),
	}
}

// Tokens exposes the token store for enrollment listings.
func (a *Authenticator) Tokens() *TokenStore { return a.tokens }

// HasCredential reports whether a PIN has been enrolled.
func (a *Authenticator) HasCredential() bool { return a.creds.Exists() }

// VerifyPIN checks a submitted PIN against the stored hash. It never
// succeeds when no credential exists.
func (a *Authenticator) VerifyPIN(pin string) bool {
	ok, err := a.creds.Verify(pin)
	if err != nil {
		a.logger.Error("pin verification failed", "err", err)
		ok = false
	}
	if ok {
		a.note(notify.AuthCheckOK)
	} else {
		a.note(notify.AuthCheckErr)
	}
	return ok
}

// SetPIN enrolls the initial credential from a "p1#p2#" double entry.
// It refuses to replace an existing credential; that path is gated and
// goes through ChangePIN.
func (a *Authenticator) SetPIN(entry string) error {
	if a.creds.Exists() {
		a.logger.Warn("set pin rejected: credential already enrolled")
		a.note(notify.AuthSetErr)
		return errors.New("credential already enrolled")
	}
	if err := a.creds.Change(entry); err != nil {
		a.logger.Warn("set pin rejected", "err", err)
		a.note(notify.AuthSetErr)
		return err
	}
	a.note(notify.AuthSetOK)
	return nil
}

// ChangePIN replaces the credential from a "p1#p2#" double entry.
func (a *Authenticator) ChangePIN(entry string) error {
	if err := a.creds.Change(entry); err != nil {
		a.logger.Warn("change pin rejected", "err", err)
		a.note(notify.AuthSetErr)
		return err
	}
	a.note(notify.AuthSetOK)
	return nil
}

// VerifyToken checks a token against the authorized set.
func (a *Authenticator) VerifyToken(token string) bool {
	ok, err := a.tokens.Contains(token)
	if err != nil {
		a.logger.Error("token verification failed", "err", err)
		ok = false
	}
	if ok {
		a.note(notify.RFIDCheckOK)
	} else {
		a.note(notify.RFIDCheckErr)
	}
	return ok
}

// EnrollToken adds a token to the authorized set.
func (a *Authenticator) EnrollToken(token string) error {
	if err := a.tokens.Add(token); err != nil {
		a.logger.Warn("token enrollment failed", "err", err)
		a.note(notify.RFIDAddErr)
		return err
	}
	a.note(notify.RFIDAddOK)
	return nil
}

// RevokeToken removes a token from the authorized set.
func (a *Authenticator) RevokeToken(token string) error {
	if err := a.tokens.Remove(token); err != nil {
		a.logger.Warn("token revocation failed", "err", err)
		a.note(notify.RFIDDelErr)
		return err
	}
	a.note(notify.RFIDDelOK)
	return nil
}

// HardReset destroys the credential and clears the token set.
func (a *Authenticator) HardReset() error {
	if err := a.creds.Destroy(); err != nil {
		return err
	}
	return a.tokens.Clear()
}

func (a *Authenticator) note(kind notify.Kind) {
	if err := a.bus.Enqueue(kind, 0, noteDuration); err != nil {
		a.logger.Warn("notification dropped", "kind", kind.String())
	}
}
