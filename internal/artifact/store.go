package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrAlreadyExists is returned by Finalize when the destination file is
	// already present in the store.
	ErrAlreadyExists = errors.New("artifact already exists")

	// ErrIO wraps any filesystem failure while finalizing a download.
	ErrIO = errors.New("artifact store I/O failure")

	// ErrInvalidFilename is returned for names that would escape the store
	// directory or address a hidden file.
	ErrInvalidFilename = errors.New("invalid artifact filename")
)

// tempPrefix marks in-flight downloads. Hidden files are never listed, so a
// partial download can not show up as an artifact.
const tempPrefix = ".download-"

// removeFile is swapped in tests to simulate cleanup failures.
var removeFile = os.Remove

// Store is a flat directory of model artifact files. Presence of an
// artifact is determined purely by file existence; there are no sidecar
// metadata files and no subdirectories.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// New returns a Store rooted at dir without touching the filesystem.
// List reports an error later if the directory is missing.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// List returns the filenames of all regular, non-hidden files in the store,
// sorted by name.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !e.Type().IsRegular() && e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether filename is present in the store.
func (s *Store) Exists(filename string) bool {
	if validFilename(filename) != nil {
		return false
	}
	info, err := os.Stat(s.ResolvedPath(filename))
	return err == nil && !info.IsDir()
}

// ResolvedPath returns the absolute location of filename inside the store.
func (s *Store) ResolvedPath(filename string) string {
	return filepath.Join(s.dir, filename)
}

// CreateTemp opens a new hidden temporary file in the store directory for
// filename. Keeping it on the same filesystem lets Finalize relocate it
// atomically.
func (s *Store) CreateTemp(filename string) (*os.File, error) {
	if err := validFilename(filename); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.dir, tempPrefix+filename+".*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %v", ErrIO, err)
	}
	return f, nil
}

// Finalize moves the completed download at tempPath to filename inside the
// store. It never overwrites: if the destination is present it fails with
// ErrAlreadyExists and leaves tempPath where it is.
func (s *Store) Finalize(tempPath, filename string) error {
	if err := validFilename(filename); err != nil {
		return err
	}
	dest := s.ResolvedPath(filename)

	// A hard link fails with EEXIST instead of replacing the target, so the
	// existence check and the move happen as one operation.
	err := os.Link(tempPath, dest)
	switch {
	case err == nil:
		// The artifact is in place; a stale hidden temp file is only clutter.
		if rmErr := removeFile(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("removing temp file after finalize", "path", tempPath, "error", rmErr)
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filename)
	}

	// Filesystems without hard links fall back to check-then-rename.
	if _, statErr := os.Lstat(dest); statErr == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filename)
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("%w: %v", ErrIO, statErr)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("%w: moving %s into place: %v", ErrIO, filename, err)
	}
	return nil
}

func validFilename(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) ||
		filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}
