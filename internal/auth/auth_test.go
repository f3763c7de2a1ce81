package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"homeguard/internal/notify"
)

func newTestAuth(t *testing.T) (*Authenticator, *notify.Bus) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := notify.NewBus(logger)
	a := New(
		NewCredentialStore(filepath.Join(dir, "passwords.txt")),
		NewTokenStore(filepath.Join(dir, "rfids.txt")),
		bus, logger,
	)
	return a, bus
}

func drainKind(t *testing.T, bus *notify.Bus) notify.Kind {
	t.Helper()
	select {
	case item := <-bus.Items():
		return item.Kind
	default:
		t.Fatal("expected a notification")
		return 0
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	for _, pin := range []string{"1234", "42424242", "0000"} {
		t.Run(pin, func(t *testing.T) {
			a, bus := newTestAuth(t)
			if err := a.SetPIN(pin + "#" + pin + "#"); err != nil {
				t.Fatalf("set %q: %v", pin, err)
			}
			if got := drainKind(t, bus); got != notify.AuthSetOK {
				t.Errorf("set notification = %v, want auth-set-ok", got)
			}
			if !a.VerifyPIN(pin) {
				t.Errorf("verify %q = false, want true", pin)
			}
			drainKind(t, bus)
			if a.VerifyPIN(pin + "9") {
				t.Errorf("verify of wrong pin succeeded")
			}
			if got := drainKind(t, bus); got != notify.AuthCheckErr {
				t.Errorf("fail notification = %v, want auth-check-err", got)
			}
		})
	}
}

func TestSetPINRefusesOverwrite(t *testing.T) {
	a, bus := newTestAuth(t)
	if err := a.SetPIN("1234#1234#"); err != nil {
		t.Fatal(err)
	}
	drainKind(t, bus)

	if err := a.SetPIN("9999#9999#"); err == nil {
		t.Fatal("enrolling over an existing credential must fail")
	}
	if got := drainKind(t, bus); got != notify.AuthSetErr {
		t.Errorf("notification = %v, want auth-set-err", got)
	}
	if !a.VerifyPIN("1234") {
		t.Error("original credential lost")
	}
}

func TestVerifyStripsSentinel(t *testing.T) {
	a, bus := newTestAuth(t)
	if err := a.SetPIN("4242#4242#"); err != nil {
		t.Fatal(err)
	}
	drainKind(t, bus)
	if !a.VerifyPIN("4242#") {
		t.Error("trailing # must be stripped before comparison")
	}
}

func TestVerifyWithoutCredentialFails(t *testing.T) {
	a, _ := newTestAuth(t)
	if a.VerifyPIN("1234") {
		t.Error("verification must fail when no credential exists")
	}
}

func TestSetPINLengthBounds(t *testing.T) {
	a, _ := newTestAuth(t)
	for _, pin := range []string{"", "1", "123", "123456789"} {
		if err := a.SetPIN(pin + "#" + pin + "#"); err == nil {
			t.Errorf("set %q should fail", pin)
		}
	}
}

func TestCredentialFileFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "passwords.txt")
	s := NewCredentialStore(path)
	if err := s.Set("1234"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("1234"))
	want := fmt.Sprintf("4\n1234\n%s\n", hex.EncodeToString(sum[:]))
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestChangePINDoubleEntry(t *testing.T) {
	cases := []struct {
		entry string
		ok    bool
	}{
		{"ABCD#ABCD#", true},
		{"ABCD#ABCE#", false},
		{"ABC#ABC#", false}, // too short
		{"ABCD", false},     // single entry
	}
	for _, tc := range cases {
		t.Run(tc.entry, func(t *testing.T) {
			a, _ := newTestAuth(t)
			err := a.ChangePIN(tc.entry)
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
			if tc.ok {
				pin := strings.Split(tc.entry, "#")[0]
				if ok, _ := NewCredentialStore(a.creds.path).Verify(pin); !ok {
					t.Error("changed pin does not verify")
				}
			}
		})
	}
}

func TestTokenIdempotentAdd(t *testing.T) {
	a, bus := newTestAuth(t)
	const uid = "04:A2:0B:00:11:22:33:44"

	if err := a.EnrollToken(uid); err != nil {
		t.Fatal(err)
	}
	drainKind(t, bus)
	if err := a.EnrollToken(uid); err != nil {
		t.Fatalf("duplicate add must report success: %v", err)
	}
	if got := drainKind(t, bus); got != notify.RFIDAddOK {
		t.Errorf("duplicate add notification = %v, want rfid-add-ok", got)
	}

	list, err := a.Tokens().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0] != uid {
		t.Errorf("token set = %v, want exactly {%s}", list, uid)
	}
}

func TestTokenCaseInsensitiveLookup(t *testing.T) {
	a, bus := newTestAuth(t)
	if err := a.EnrollToken("04:a2:0b:00:11:22:33:44"); err != nil {
		t.Fatal(err)
	}
	drainKind(t, bus)
	if !a.VerifyToken("04:A2:0B:00:11:22:33:44") {
		t.Error("uppercase lookup of lowercase enrollment failed")
	}
	list, _ := a.Tokens().List()
	if list[0] != "04:A2:0B:00:11:22:33:44" {
		t.Errorf("stored token not normalized upper: %q", list[0])
	}
}

func TestTokenRemoveMissingFails(t *testing.T) {
	a, _ := newTestAuth(t)
	err := a.RevokeToken("DE:AD:BE:EF:00:00:00:01")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenRemoveKeepsOthers(t *testing.T) {
	a, bus := newTestAuth(t)
	uids := []string{
		"01:01:01:01:01:01:01:01",
		"02:02:02:02:02:02:02:02",
		"03:03:03:03:03:03:03:03",
	}
	for _, u := range uids {
		if err := a.EnrollToken(u); err != nil {
			t.Fatal(err)
		}
		drainKind(t, bus)
	}
	if err := a.RevokeToken(uids[1]); err != nil {
		t.Fatal(err)
	}
	list, err := a.Tokens().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0] != uids[0] || list[1] != uids[2] {
		t.Errorf("token set after removal = %v", list)
	}
}

func TestFormatUID(t *testing.T) {
	got := FormatUID([]byte{0x00, 0xA2, 0x0B, 0x00, 0x11, 0x22, 0x33, 0x04})
	want := "00:A2:0B:00:11:22:33:04"
	if got != want {
		t.Errorf("FormatUID = %q, want %q", got, want)
	}
}

func TestHardReset(t *testing.T) {
	a, bus := newTestAuth(t)
	if err := a.SetPIN("1234#1234#"); err != nil {
		t.Fatal(err)
	}
	drainKind(t, bus)
	if err := a.EnrollToken("01:01:01:01:01:01:01:01"); err != nil {
		t.Fatal(err)
	}
	drainKind(t, bus)

	if err := a.HardReset(); err != nil {
		t.Fatal(err)
	}
	if a.HasCredential() {
		t.Error("credential survived hard reset")
	}
	if a.VerifyPIN("1234") {
		t.Error("pin verifies after hard reset")
	}
	list, _ := a.Tokens().List()
	if len(list) != 0 {
		t.Errorf("tokens survived hard reset: %v", list)
	}
}
