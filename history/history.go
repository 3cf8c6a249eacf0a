// Package history maintains the global append-only log of every result record, one JSON
// object per line.
package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// DefaultKey is the storage key of the global log.
const DefaultKey = "history.jsonl"

// SinkName identifies this sink in errors and logs.
const SinkName = "history"

// maxLineSize bounds a single record line when reading.
const maxLineSize = 4 * 1024 * 1024

// Appender writes records to the global log. It is safe for concurrent use.
type Appender struct {
	storage storage.BlobStorage
	key     string
	logger  logger.Logger

	mu sync.Mutex
	// tailChecked is set once the log is known to end on a line boundary.
	tailChecked bool
}

// NewAppender creates an Appender writing to DefaultKey in store.
func NewAppender(store storage.BlobStorage, log logger.Logger) *Appender {
	return &Appender{
		storage: store,
		key:     DefaultKey,
		logger:  log,
	}
}

// Key returns the storage key of the log.
func (a *Appender) Key() string {
	return a.key
}

// Append writes rec as one line. The line is encoded up front and handed to storage in a
// single call, so a record is either fully present or absent. Re-delivering a record
// appends a duplicate line. If an earlier process died mid-append, the torn line is
// terminated first so the new record starts on its own line.
func (a *Appender) Append(ctx context.Context, rec *testresult.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: a.key, Err: fmt.Errorf("failed to encode record: %w", err)}
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.tailChecked {
		torn, err := a.tornTail(ctx)
		if err != nil {
			return &testresult.PersistenceError{Sink: SinkName, Key: a.key, Err: err}
		}
		if torn {
			a.logger.Warn(ctx, "history log ends with an incomplete line, terminating it", map[string]interface{}{
				"key": a.key,
			})
			line = append([]byte{'\n'}, line...)
		}
	}

	if err := a.storage.Append(ctx, a.key, line); err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: a.key, Err: err}
	}
	a.tailChecked = true

	a.logger.Debug(ctx, "history record appended", map[string]interface{}{
		"run_id": rec.RunID,
		"nodeid": rec.NodeID,
	})
	return nil
}

// tornTail reports whether the log is non-empty and does not end with a newline.
func (a *Appender) tornTail(ctx context.Context) (bool, error) {
	data, err := storage.ReadAll(ctx, a.storage, a.key)
	if errors.Is(err, storage.ErrFileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(data) > 0 && data[len(data)-1] != '\n', nil
}

// ReadAll returns every record in log order. A missing log is empty. Lines that are not
// valid records are skipped and logged.
func (a *Appender) ReadAll(ctx context.Context) ([]testresult.Record, error) {
	data, err := storage.ReadAll(ctx, a.storage, a.key)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			return []testresult.Record{}, nil
		}
		return nil, &testresult.PersistenceError{Sink: SinkName, Key: a.key, Err: err}
	}
	records, skipped, err := Decode(data)
	if err != nil {
		return nil, &testresult.PersistenceError{Sink: SinkName, Key: a.key, Err: err}
	}
	if len(skipped) > 0 {
		a.logger.Warn(ctx, "skipped malformed history lines", map[string]interface{}{
			"key":   a.key,
			"lines": skipped,
		})
	}
	return records, nil
}

// Decode parses JSONL content. Lines that do not parse as a record, such as one torn by an
// interrupted append, are skipped; skipped holds their 1-based line numbers.
func Decode(data []byte) (records []testresult.Record, skipped []int, err error) {
	records = []testresult.Record{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec testresult.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped = append(skipped, lineNo)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to scan history: %w", err)
	}
	return records, skipped, nil
}

// CompleteLength returns the length of the prefix of data made of whole lines. A follower
// started at this offset sees every line not yet fully read.
func CompleteLength(data []byte) int64 {
	return int64(bytes.LastIndexByte(data, '\n') + 1)
}
