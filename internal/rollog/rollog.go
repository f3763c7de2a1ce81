// Package rollog provides the line-oriented rolling log file with a single
// generation of rotation at 10 KiB.
package rollog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MaxSize is the rotation threshold in bytes.
const MaxSize = 10 * 1024

// Writer is an io.Writer that appends to a log file and rotates it to a
// single .old generation once it exceeds MaxSize. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	path    string
	oldPath string
	size    int64
}

// New creates a rolling writer for path; the rotated generation lives next
// to it under oldPath.
func New(path, oldPath string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &Writer{path: path, oldPath: oldPath}
	if fi, err := os.Stat(path); err == nil {
		w.size = fi.Size()
	}
	return w, nil
}

// Write appends p, rotating first when the current file already exceeds
// MaxSize. The rotated content is preserved in the .old file; a fresh log
// file is created by this write.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > MaxSize {
		if err := os.Rename(w.path, w.oldPath); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
		w.size = 0
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	n, err := f.Write(p)
	w.size += int64(n)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
