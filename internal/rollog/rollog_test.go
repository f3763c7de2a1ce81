package rollog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWriter(t *testing.T) (*Writer, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "logfile.txt")
	old := filepath.Join(dir, "logfile_old.txt")
	w, err := New(path, old)
	if err != nil {
		t.Fatal(err)
	}
	return w, path, old
}

func TestAppend(t *testing.T) {
	w, path, _ := newTestWriter(t)

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line\nline\nline\n" {
		t.Errorf("log content = %q", data)
	}
}

func TestRotationAtThreshold(t *testing.T) {
	w, path, old := newTestWriter(t)

	line := strings.Repeat("x", 127) + "\n"
	var written bytes.Buffer
	for written.Len() <= MaxSize {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
		written.WriteString(line)
	}

	// The file now exceeds 10 KiB; the next write must rotate first.
	if _, err := w.Write([]byte("fresh\n")); err != nil {
		t.Fatal(err)
	}

	oldData, err := os.ReadFile(old)
	if err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if !bytes.Equal(oldData, written.Bytes()) {
		t.Errorf("rotated content lost: %d bytes, want %d", len(oldData), written.Len())
	}

	fresh, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(fresh) != "fresh\n" {
		t.Errorf("fresh log = %q, want only the post-rotation line", fresh)
	}
}

func TestSingleGeneration(t *testing.T) {
	w, _, old := newTestWriter(t)

	big := strings.Repeat("y", MaxSize+1)
	if _, err := w.Write([]byte(big)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("first-gen\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(big)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("second-gen\n")); err != nil {
		t.Fatal(err)
	}

	oldData, err := os.ReadFile(old)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(oldData), "first-gen") {
		t.Errorf("old generation should have been overwritten, got %q...", oldData[:16])
	}
}

func TestExistingSizePickedUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logfile.txt")
	old := filepath.Join(dir, "logfile_old.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("z", MaxSize+5)), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := New(path, old)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("after-restart\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); err != nil {
		t.Error("pre-existing oversized file was not rotated on first write")
	}
}
