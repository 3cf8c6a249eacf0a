package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrFileNotFound is returned when a requested file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidPath is returned when a path is invalid or contains path traversal.
	ErrInvalidPath = errors.New("invalid path")
)

// tempPrefix marks in-flight uploads. List skips such files.
const tempPrefix = ".tmp-"

// LocalStorage implements BlobStorage using the local filesystem.
type LocalStorage struct {
	baseDir string

	// appendMu serialises appends within the process; O_APPEND covers other processes
	// for writes of this size.
	appendMu sync.Mutex

	// beforeRename is a test hook invoked after the temp file is written.
	beforeRename func(tmpPath string) error

	// syncDir flushes a directory entry after a rename.
	syncDir func(dir string) error
}

// NewLocalStorage creates a new local filesystem storage.
// The baseDir will be created if it doesn't exist.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	baseDir = filepath.Clean(baseDir)
	if baseDir == "" || baseDir == "." {
		return nil, fmt.Errorf("%w: base directory cannot be empty", ErrInvalidPath)
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
		syncDir: syncDirectory,
	}, nil
}

// syncDirectory fsyncs dir so a completed rename survives a power loss. Windows cannot
// open directories for syncing.
func syncDirectory(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// BaseDir returns the root directory of the storage.
func (s *LocalStorage) BaseDir() string {
	return s.baseDir
}

// Upload writes the reader to a temporary file next to the target, syncs it and renames
// it over the target.
func (s *LocalStorage) Upload(ctx context.Context, path string, reader io.Reader) error {
	fullPath, err := s.validateAndJoinPath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(fullPath)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	committed = true

	if err := s.syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// Append writes data to the end of the file with a single write call.
func (s *LocalStorage) Append(ctx context.Context, path string, data []byte) error {
	fullPath, err := s.validateAndJoinPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	file, err := os.OpenFile(fullPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file for append: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to append to file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return file.Close()
}

// Download opens the file at path. Missing files return ErrFileNotFound.
func (s *LocalStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := s.validateAndJoinPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fsError("open", err)
	}
	return file, nil
}

// Delete removes the file at path.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := s.validateAndJoinPath(path)
	if err != nil {
		return err
	}
	return fsError("delete", os.Remove(fullPath))
}

// Exists reports whether a file exists at path.
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := s.validateAndJoinPath(path)
	if err != nil {
		return false, err
	}
	switch _, err = os.Stat(fullPath); {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fsError("stat", err)
	}
}

// List returns the regular files directly under prefix as slash-separated keys.
// A missing directory yields an empty list.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	dir := s.baseDir
	if prefix != "" {
		var err error
		dir, err = s.validateAndJoinPath(prefix)
		if err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		keys = append(keys, joinKey(prefix, e.Name()))
	}
	sort.Strings(keys)
	return keys, nil
}

// GetURL returns the absolute file path of an existing file.
func (s *LocalStorage) GetURL(ctx context.Context, path string) (string, error) {
	fullPath, err := s.validateAndJoinPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(fullPath); err != nil {
		return "", fsError("stat", err)
	}
	if abs, err := filepath.Abs(fullPath); err == nil {
		return abs, nil
	}
	return fullPath, nil
}

// validateAndJoinPath validates the path and joins it with the base directory.
// It prevents path traversal attacks by ensuring the final path is within baseDir.
func (s *LocalStorage) validateAndJoinPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path cannot be empty", ErrInvalidPath)
	}

	cleanPath := filepath.Clean(filepath.FromSlash(path))
	fullPath := filepath.Join(s.baseDir, cleanPath)

	relPath, err := filepath.Rel(s.baseDir, fullPath)
	if err != nil || len(relPath) > 0 && relPath[0] == '.' {
		return "", fmt.Errorf("%w: path traversal detected", ErrInvalidPath)
	}

	return fullPath, nil
}

func joinKey(prefix, name string) string {
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// fsError maps os.ErrNotExist to ErrFileNotFound and annotates other failures.
func fsError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return ErrFileNotFound
	default:
		return fmt.Errorf("failed to %s file: %w", op, err)
	}
}
