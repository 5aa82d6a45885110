// Package logutil holds the ambient logging plumbing spec §9's Design Notes ask to
// be made explicit rather than left as package-global mutable state: the one-shot
// log deduplicator and a rotating file writer, both threaded through Scheduler
// instead of living as globals.
package logutil

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dedup suppresses repeat log lines for the same key within one batch (spec §4.7:
// "internal one-shot log deduplication is reset" after every batch). Reset() is
// called at every log rotation, matching spec §9's "reset it at every log rotation".
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedup returns an empty deduplicator.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Once reports true the first time key is seen since the last Reset, false after.
func (d *Dedup) Once(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Reset clears all seen keys.
func (d *Dedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// RotatingFile is a *os.File-backed writer that counts the bytes written;
// Write never rotates, and RotateIfNeeded renames the old file with a numeric
// suffix once maxSize has been reached (spec §4.7:
// "the logfile is rotated if it exceeds a configured maximum size").
type RotatingFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	written int64
}

// NewRotatingFile opens (creating if needed) path for appending.
func NewRotatingFile(path string, maxSize int64) (*RotatingFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RotatingFile{path: path, maxSize: maxSize, file: f, written: info.Size()}, nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

// RotateIfNeeded renames the current file aside and opens a fresh one if it has
// grown past maxSize. Returns true if a rotation happened.
func (r *RotatingFile) RotateIfNeeded() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSize <= 0 || r.written < r.maxSize {
		return false, nil
	}
	if err := r.file.Close(); err != nil {
		return false, err
	}
	rotated := fmt.Sprintf("%s.1", r.path)
	_ = os.Remove(rotated)
	if err := os.Rename(r.path, rotated); err != nil {
		return false, err
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	r.file = f
	r.written = 0
	return true, nil
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// NewLogger builds the logrus logger every component shares, writing to the
// rotating file when rf is non-nil and to stderr (logrus's default) otherwise,
// matching the teacher's structured-field style.
func NewLogger(rf *RotatingFile) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if rf != nil {
		l.SetOutput(rf)
	}
	return l
}
