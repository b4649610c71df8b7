// Package fsbackup mirrors ingested raw data items onto local disk.
// The mirror is best effort: ingest treats a failed backup write as a
// log line, never as an upload failure. The cleanup worker prunes
// mirrored files once their retention has passed.
package fsbackup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a key has no mirrored file.
var ErrNotFound = errors.New("backup file not found")

// Config controls the filesystem mirror.
type Config struct {
	// Enabled turns the mirror on. A disabled mirror accepts every call
	// as a no-op.
	Enabled bool

	// Dir is the mirror root.
	Dir string

	// Retention is how long mirrored files are kept.
	Retention time.Duration
}

// Backup is the filesystem mirror.
type Backup struct {
	enabled   bool
	dir       string
	retention time.Duration
}

// New creates the mirror, creating its root directory when enabled.
func New(cfg Config) (*Backup, error) {
	b := &Backup{
		enabled:   cfg.Enabled,
		dir:       cfg.Dir,
		retention: cfg.Retention,
	}
	if !cfg.Enabled {
		return b, nil
	}

	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return b, nil
}

// Enabled reports whether the mirror is active.
func (b *Backup) Enabled() bool {
	return b.enabled
}

// path maps a store key onto a file under the mirror root, rejecting
// keys that would escape it.
func (b *Backup) path(key string) (string, error) {
	clean := filepath.Join(b.dir, filepath.FromSlash(key))
	if clean != b.dir && !strings.HasPrefix(clean, b.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("backup key %q escapes the mirror root", key)
	}
	return clean, nil
}

// Write mirrors one object. The file lands atomically: bytes go to a
// temp file first, then rename into place.
func (b *Backup) Write(key string, body io.Reader) error {
	if !b.enabled {
		return nil
	}

	target, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create backup subdirectory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".backup-*")
	if err != nil {
		return fmt.Errorf("failed to create backup temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()          //nolint:errcheck
		os.Remove(tmpName)   //nolint:errcheck
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("failed to close backup file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("failed to move backup file into place: %w", err)
	}
	return nil
}

// Open returns the mirrored file for a key.
func (b *Backup) Open(key string) (io.ReadCloser, error) {
	if !b.enabled {
		return nil, ErrNotFound
	}

	target, err := b.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	return f, nil
}

// Remove deletes a mirrored file. Missing files are not an error.
func (b *Backup) Remove(key string) error {
	if !b.enabled {
		return nil
	}

	target, err := b.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove backup file: %w", err)
	}
	return nil
}

// Sweep deletes mirrored files older than the retention window and
// prunes directories emptied along the way. Returns how many files were
// removed.
func (b *Backup) Sweep(now time.Time) (int64, error) {
	if !b.enabled || b.retention <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-b.retention)
	var removed int64
	var dirs []string

	err := filepath.WalkDir(b.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A file deleted under us mid-walk is fine.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			if path != b.dir {
				dirs = append(dirs, path)
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep backup directory: %w", err)
	}

	// Deepest directories first so emptied parents fall too. Removal
	// fails silently on non-empty directories.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i]) //nolint:errcheck
	}

	return removed, nil
}
