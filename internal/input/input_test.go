package input

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

type fakeScanner struct {
	keys []byte
	err  error
}

func (f *fakeScanner) Scan() ([]byte, error) { return f.keys, f.err }

type fakeReader struct {
	uid []byte
	err error
}

func (f *fakeReader) ReadUID() ([]byte, error) { return f.uid, f.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestKeypadEdgeDetection(t *testing.T) {
	scanner := &fakeScanner{}
	var got []byte
	kp := NewKeypad(scanner, func(key byte) { got = append(got, key) }, testLogger())

	ctx := context.Background()

	scanner.keys = []byte{'5'}
	for i := 0; i < 3; i++ {
		if err := kp.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if string(got) != "5" {
		t.Fatalf("held key emitted %q, want single event", got)
	}

	// Release, then press again: a fresh event.
	scanner.keys = nil
	if err := kp.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	scanner.keys = []byte{'5'}
	if err := kp.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if string(got) != "55" {
		t.Fatalf("re-press emitted %q, want two events", got)
	}
}

func TestKeypadDropsUnknownSymbols(t *testing.T) {
	scanner := &fakeScanner{keys: []byte{'A', '7', 0xFF}}
	var got []byte
	kp := NewKeypad(scanner, func(key byte) { got = append(got, key) }, testLogger())

	if err := kp.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if string(got) != "7" {
		t.Errorf("got %q, want only the valid symbol", got)
	}
}

func TestKeypadMultipleNewKeys(t *testing.T) {
	scanner := &fakeScanner{keys: []byte{'1', '#'}}
	var got []byte
	kp := NewKeypad(scanner, func(key byte) { got = append(got, key) }, testLogger())

	if err := kp.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %q, want both new keys", got)
	}
}

func TestRFIDSingleEventPerPresentation(t *testing.T) {
	reader := &fakeReader{}
	var got []string
	rf := NewRFID(reader, func(uid string) { got = append(got, uid) }, testLogger())

	ctx := context.Background()

	reader.uid = []byte{0x04, 0xA3, 0x1B, 0xFF}
	for i := 0; i < 3; i++ {
		if err := rf.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 1 {
		t.Fatalf("held card produced %d events, want 1", len(got))
	}
	if got[0] != "04:A3:1B:FF" {
		t.Errorf("uid = %q, want colon-separated uppercase hex", got[0])
	}

	// Remove and re-present.
	reader.uid = nil
	if err := rf.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	reader.uid = []byte{0x04, 0xA3, 0x1B, 0xFF}
	if err := rf.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("re-presented card produced %d events, want 2", len(got))
	}
}

func TestRFIDDifferentCardsBackToBack(t *testing.T) {
	reader := &fakeReader{uid: []byte{0x01}}
	var got []string
	rf := NewRFID(reader, func(uid string) { got = append(got, uid) }, testLogger())

	ctx := context.Background()
	if err := rf.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	reader.uid = []byte{0x02}
	if err := rf.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "01" || got[1] != "02" {
		t.Errorf("got %v, want both cards", got)
	}
}
