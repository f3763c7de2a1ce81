// Package archive maintains the on-device mirror of published MQTT
// payloads: one JSON array per day under <dir>/YYYY-MM/YYYY-MM-DD.json,
// with a janitor enforcing two-month retention.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Archive appends JSON entries to daily files.
type Archive struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// New creates an archive rooted at dir.
func New(dir string, logger *slog.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archive{dir: dir, logger: logger.With("component", "archive"), now: time.Now}, nil
}

// SetClock overrides the time source, for tests.
func (a *Archive) SetClock(now func() time.Time) { a.now = now }

// Append adds one JSON entry to today's file. New entries are appended by
// rewriting the final ']' as ',<entry>\n]'.
func (a *Archive) Append(entry []byte) error {
	if !json.Valid(entry) {
		return fmt.Errorf("archive entry is not valid JSON")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	day := a.now().UTC()
	month := day.Format("2006-01")
	monthDir := filepath.Join(a.dir, month)
	if err := os.MkdirAll(monthDir, 0o755); err != nil {
		return fmt.Errorf("create month dir: %w", err)
	}
	path := filepath.Join(monthDir, day.Format("2006-01-02")+".json")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive file: %w", err)
	}

	if fi.Size() == 0 {
		_, err = fmt.Fprintf(f, "[%s\n]", entry)
		return err
	}

	// Seek back over the closing bracket and any trailing newline.
	tail := make([]byte, 2)
	if _, err := f.ReadAt(tail, fi.Size()-2); err != nil {
		return fmt.Errorf("read archive tail: %w", err)
	}
	off := fi.Size() - 1
	if tail[1] == '\n' {
		off--
	}
	if _, err := f.Seek(off, 0); err != nil {
		return fmt.Errorf("seek archive: %w", err)
	}
	if _, err := fmt.Fprintf(f, ",%s\n]", entry); err != nil {
		return fmt.Errorf("append archive entry: %w", err)
	}
	return nil
}

// CleanOld deletes month directories older than two months, comparing
// YYYY-MM names lexicographically. With the clock at 2025-03-15 the months
// 2025-02 and 2025-03 are retained and 2024-12 is deleted.
func (a *Archive) CleanOld() error {
	cutoff := a.now().UTC().AddDate(0, -1, 0).Format("2006-01")

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("read archive dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != len("2006-01") {
			continue
		}
		if name < cutoff {
			if err := os.RemoveAll(filepath.Join(a.dir, name)); err != nil {
				return fmt.Errorf("remove old month %s: %w", name, err)
			}
			a.logger.Info("archive month removed", "month", name)
		}
	}
	return nil
}
