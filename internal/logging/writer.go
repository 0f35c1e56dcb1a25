// Package logging provides a size-rotating file writer for the gateway's
// structured log output. The writer implements io.WriteCloser, renames the
// active file when it grows past the size limit, and prunes rotated files
// by count and age.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotatedStamp = "20060102-150405"

// RotatingWriter rotates the log file once it exceeds a byte limit.
// Rotated files are named <base>-<timestamp><ext>.
type RotatingWriter struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	written int64

	limitBytes int64
	keepCount  int
	keepDays   int
}

// NewRotatingWriter opens (or creates) the log file at path. maxSizeMB caps
// the active file size, maxBackups caps the number of rotated files kept,
// and maxAgeDays removes rotated files older than that many days.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:       path,
		limitBytes: int64(maxSizeMB) * 1024 * 1024,
		keepCount:  maxBackups,
		keepDays:   maxAgeDays,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f = f
	w.written = info.Size()
	return nil
}

// Write appends p to the active file, rotating first if the write would
// push the file over the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(p)) > w.limitBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

// Close closes the active log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		return w.f.Close()
	}
	return nil
}

func (w *RotatingWriter) splitPath() (base, ext string) {
	ext = filepath.Ext(w.path)
	base = strings.TrimSuffix(w.path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

func (w *RotatingWriter) rotate() error {
	if w.f != nil {
		w.f.Close()
	}

	base, ext := w.splitPath()
	rotated := fmt.Sprintf("%s-%s%s", base, time.Now().Format(rotatedStamp), ext)
	os.Rename(w.path, rotated) //nolint:errcheck

	if err := w.open(); err != nil {
		return err
	}

	// Pruning touches the directory; keep it off the write path.
	go w.prune()
	return nil
}

// prune removes rotated files beyond keepCount and older than keepDays.
func (w *RotatingWriter) prune() {
	base, ext := w.splitPath()
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(base) + "-"
	active := filepath.Base(w.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name == active || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		rotated = append(rotated, name)
	}

	// Timestamp suffixes sort lexically, oldest first.
	sort.Strings(rotated)

	for len(rotated) > w.keepCount {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	cutoff := time.Now().AddDate(0, 0, -w.keepDays)
	for _, name := range rotated {
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(full) //nolint:errcheck
		}
	}
}
