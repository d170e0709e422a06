package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrNotFound is returned when a stored file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrOutsideStore is returned for paths that do not live in the store directory.
	ErrOutsideStore = errors.New("path outside store directory")
)

// IOError reports a failed filesystem operation on the store.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Store manages the shared temp directory for uploads and converted icons
type Store struct {
	dir   string
	clock clockwork.Clock
}

// SweepResult summarises one expiry pass.
type SweepResult struct {
	Scanned int
	Deleted []string
	Failed  int
}

// New creates the store directory if absent and returns a store rooted at
// its absolute path.
func New(dir string, clock clockwork.Clock) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: abs, Err: err}
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{dir: abs, clock: clock}, nil
}

// Dir returns the absolute store directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the location of name inside the store
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Write stores data under name, overwriting any existing file.
func (s *Store) Write(name string, data []byte) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", &IOError{Op: "write", Path: name, Err: fs.ErrInvalid}
	}

	path := s.Path(name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", &IOError{Op: "write", Path: path, Err: err}
	}

	return path, nil
}

// Open opens a stored file for reading. Missing files yield ErrNotFound.
func (s *Store) Open(path string) (*os.File, os.FileInfo, error) {
	if !s.contains(path) {
		return nil, nil, fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, nil, &IOError{Op: "open", Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return f, info, nil
}

// Exists reports whether path is a regular file in the store.
func (s *Store) Exists(path string) bool {
	if !s.contains(path) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a stored file. Removing a missing file is not an error.
func (s *Store) Remove(path string) error {
	if !s.contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// Sweep deletes every regular file last modified before now-maxAge.
// Per-file failures are logged and counted; only a failure to list the
// directory is returned.
func (s *Store) Sweep(maxAge time.Duration) (SweepResult, error) {
	var result SweepResult

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return result, &IOError{Op: "list", Path: s.dir, Err: err}
	}

	cutoff := s.clock.Now().Add(-maxAge)

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.Warn("Sweep: stat failed", "file", entry.Name(), "error", err)
			result.Failed++
			continue
		}

		result.Scanned++
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := s.Path(entry.Name())
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			slog.Warn("Sweep: failed to remove old file", "path", path, "error", err)
			result.Failed++
			continue
		}

		slog.Info("Removing old file", "path", path, "modified", info.ModTime().Format(time.DateTime))
		result.Deleted = append(result.Deleted, path)
	}

	return result, nil
}

func (s *Store) contains(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) && !strings.ContainsRune(rel, filepath.Separator)
}

// SanitizeName reduces a client-supplied filename to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" || name == "/" {
		return "upload"
	}
	return name
}

// SplitName splits a file name into its base and extension ("logo.png" -> "logo", ".png").
func SplitName(name string) (string, string) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		return name, ""
	}
	return base, ext
}
