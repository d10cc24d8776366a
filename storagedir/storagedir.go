// Package storagedir implements the on-disk half of Carol's storage
// manager: a content-addressed files/ directory plus a staging/ directory
// for in-progress downloads, publishing blobs via atomic rename.
package storagedir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/carol-cache/carol"
)

const (
	filesDir   = "files"
	stagingDir = "staging"
)

// Dir manages the cache root's files/ and staging/ subdirectories.
// Writes are atomic using a staging-file-then-rename pattern, adapted from
// a generic key/value filesystem backend to the fixed two-directory layout
// Carol's cache root uses.
type Dir struct {
	root string
}

// Open creates (if necessary) and returns the files/ and staging/
// directories under root.
func Open(root string) (*Dir, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	d := &Dir{root: absRoot}
	if err := os.MkdirAll(d.filesPath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating files directory: %w", err)
	}
	if err := os.MkdirAll(d.stagingPath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return d, nil
}

// Root returns the absolute cache root path.
func (d *Dir) Root() string { return d.root }

func (d *Dir) filesPath() string   { return filepath.Join(d.root, filesDir) }
func (d *Dir) stagingPath() string { return filepath.Join(d.root, stagingDir) }

// FinalPath returns the absolute path a Ready entry's blob lives at.
func (d *Dir) FinalPath(hash carol.Hash) string {
	return filepath.Join(d.filesPath(), hash.String())
}

// PurgeStaging unconditionally removes and recreates the staging
// directory. Called once at startup: any file left there belongs to a
// download that never reached promote_to_ready.
func (d *Dir) PurgeStaging() error {
	if err := os.RemoveAll(d.stagingPath()); err != nil {
		return fmt.Errorf("purging staging directory: %w", err)
	}
	return os.MkdirAll(d.stagingPath(), 0o755)
}

// Staging is a freshly created, empty staging file ready to receive bytes
// for an in-progress download.
type Staging struct {
	*os.File
	path string
}

// Path returns the staging file's absolute path.
func (s *Staging) Path() string { return s.path }

// Abort closes and removes the staging file without publishing it.
func (s *Staging) Abort() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staging file: %w", err)
	}
	return nil
}

// NewStaging creates a new staging file named by a random UUID, per
// spec's staging/<uuid> layout.
func (d *Dir) NewStaging() (*Staging, error) {
	path := filepath.Join(d.stagingPath(), uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &Staging{File: f, path: path}, nil
}

// Publish syncs and closes the staging file, then atomically renames it
// to its content-addressed final path. Rename always precedes the caller's
// metadata index commit, so a crash between the two leaves an orphan blob
// rather than a Ready row with no file.
func (d *Dir) Publish(s *Staging, hash carol.Hash) (finalPath string, err error) {
	if err := s.Sync(); err != nil {
		_ = s.Abort()
		return "", fmt.Errorf("syncing staging file: %w", err)
	}
	if err := s.Close(); err != nil {
		_ = os.Remove(s.path)
		return "", fmt.Errorf("closing staging file: %w", err)
	}

	final := d.FinalPath(hash)
	if _, statErr := os.Stat(final); statErr == nil {
		// Another entry already published this content; discard our
		// staging copy and let the caller dedup onto the existing blob.
		_ = os.Remove(s.path)
		return final, nil
	}

	if err := os.Rename(s.path, final); err != nil {
		_ = os.Remove(s.path)
		return "", fmt.Errorf("renaming staging file to final path: %w", err)
	}
	return final, nil
}

// Exists reports whether a blob for hash is present on disk.
func (d *Dir) Exists(hash carol.Hash) bool {
	return d.ExistsPath(d.FinalPath(hash))
}

// ExistsPath reports whether a file exists at the given absolute path, as
// stored verbatim in a metadata entry's cache_path. Used by startup
// recovery's corruption scan.
func (d *Dir) ExistsPath(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove unlinks the blob for hash. It is idempotent: removing an
// already-absent blob is not an error.
func (d *Dir) Remove(hash carol.Hash) error {
	return d.RemoveFinal(d.FinalPath(hash))
}

// RemoveFinal unlinks the blob at the given absolute final path, as stored
// verbatim in a metadata entry's cache_path. Idempotent like Remove.
func (d *Dir) RemoveFinal(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

// ListFinal lists the hex-encoded hashes of every blob currently under
// files/. Used by startup recovery to find blobs no Ready entry references.
func (d *Dir) ListFinal() ([]string, error) {
	entries, err := os.ReadDir(d.filesPath())
	if err != nil {
		return nil, fmt.Errorf("listing files directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Symlink creates a symbolic link at target pointing at the blob for hash.
// It fails with os.ErrExist-wrapped error if target already exists.
func (d *Dir) Symlink(hash carol.Hash, target string) error {
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolving symlink target: %w", err)
	}
	if err := os.Symlink(d.FinalPath(hash), abs); err != nil {
		return fmt.Errorf("creating symlink: %w", err)
	}
	return nil
}
