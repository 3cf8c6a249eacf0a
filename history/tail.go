package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// Follower streams records appended to a local history file.
type Follower struct {
	path    string
	offset  int64
	partial []byte
}

// NewFollower creates a follower for the file at path. When fromStart is false, records
// already present are skipped.
func NewFollower(path string, fromStart bool) (*Follower, error) {
	f := &Follower{path: path}
	if !fromStart {
		info, err := os.Stat(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat history: %w", err)
		}
		if err == nil {
			f.offset = info.Size()
		}
	}
	return f, nil
}

// NewFollowerAt creates a follower that starts reading at offset, typically the
// CompleteLength of content the caller has already read.
func NewFollowerAt(path string, offset int64) *Follower {
	return &Follower{path: path, offset: offset}
}

// Follow calls fn for every complete record line until ctx is cancelled. The file does not
// need to exist yet; its directory is watched for creation and writes.
func (f *Follower) Follow(ctx context.Context, fn func(testresult.Record)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if err := f.drain(fn); err != nil {
		return err
	}

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := f.drain(fn); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// drain reads from the last offset to EOF and emits complete lines.
func (f *Follower) drain(fn func(testresult.Record)) error {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat history: %w", err)
	}
	if info.Size() < f.offset {
		// The log never shrinks in normal operation; start over if it was replaced.
		f.offset = 0
		f.partial = nil
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek history: %w", err)
	}

	reader := bufio.NewReader(file)
	for {
		chunk, err := reader.ReadBytes('\n')
		f.offset += int64(len(chunk))
		if len(chunk) > 0 {
			f.partial = append(f.partial, chunk...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read history: %w", err)
		}

		line := bytes.TrimSpace(f.partial)
		f.partial = nil
		if len(line) == 0 {
			continue
		}
		var rec testresult.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fn(rec)
	}
}
