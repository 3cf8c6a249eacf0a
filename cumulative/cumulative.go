// Package cumulative keeps one JSON history file per test identity. Each append rewrites
// the file through an atomic storage swap, so a file is always a complete JSON array.
package cumulative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// SinkName identifies this sink in errors and logs.
const SinkName = "cumulative"

// ErrIdentityMismatch is returned when a record does not belong to the identity it is
// appended under.
var ErrIdentityMismatch = errors.New("record identity does not match history identity")

// Writer appends records to per-identity histories. It is safe for concurrent use;
// appends for the same identity are serialised, different identities proceed in parallel.
type Writer struct {
	storage storage.BlobStorage
	logger  logger.Logger
	locks   *keyedMutex
}

// NewWriter creates a Writer on top of store.
func NewWriter(store storage.BlobStorage, log logger.Logger) *Writer {
	return &Writer{
		storage: store,
		logger:  log,
		locks:   newKeyedMutex(),
	}
}

// Append adds rec to the history of id, creating the history on first use.
func (w *Writer) Append(ctx context.Context, id testresult.Identity, rec *testresult.Record) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %w", testresult.ErrInvalidOutcome, err)
	}
	if rec.Identity() != id {
		return fmt.Errorf("%w: %s vs %s", ErrIdentityMismatch, rec.Identity(), id)
	}

	key := EncodeKey(id)
	unlock := w.locks.Lock(key)
	defer unlock()

	records, err := w.load(ctx, key, rec.RunID)
	if err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: key, Err: err}
	}
	records = append(records, *rec)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: key, Err: fmt.Errorf("failed to encode history: %w", err)}
	}
	data = append(data, '\n')

	if err := w.storage.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: key, Err: err}
	}

	w.logger.Debug(ctx, "cumulative history updated", map[string]interface{}{
		"nodeid":  id.String(),
		"key":     key,
		"records": len(records),
	})
	return nil
}

// History returns the records of id in append order. Unknown identities have an empty
// history.
func (w *Writer) History(ctx context.Context, id testresult.Identity) ([]testresult.Record, error) {
	return w.read(ctx, EncodeKey(id))
}

// Identities lists every identity that has a history, sorted by key. Identities behind
// hashed keys are read from the first record of their file.
func (w *Writer) Identities(ctx context.Context) ([]testresult.Identity, error) {
	keys, err := w.storage.List(ctx, Dir)
	if err != nil {
		return nil, &testresult.PersistenceError{Sink: SinkName, Key: Dir, Err: err}
	}
	ids := make([]testresult.Identity, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, keyExt) {
			continue
		}
		id, err := DecodeKey(key)
		if errors.Is(err, ErrHashedKey) {
			id, err = w.storedIdentity(ctx, key)
		}
		if err != nil {
			w.logger.Warn(ctx, "skipping unrecognised history file", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *Writer) read(ctx context.Context, key string) ([]testresult.Record, error) {
	data, err := storage.ReadAll(ctx, w.storage, key)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			return []testresult.Record{}, nil
		}
		return nil, &testresult.PersistenceError{Sink: SinkName, Key: key, Err: err}
	}
	var records []testresult.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &testresult.PersistenceError{Sink: SinkName, Key: key, Err: fmt.Errorf("corrupt history: %w", err)}
	}
	return records, nil
}

// storedIdentity recovers the identity of a hashed key from its records.
func (w *Writer) storedIdentity(ctx context.Context, key string) (testresult.Identity, error) {
	records, err := w.read(ctx, key)
	if err != nil {
		return testresult.Identity{}, err
	}
	if len(records) == 0 {
		return testresult.Identity{}, fmt.Errorf("empty history behind hashed key %q", key)
	}
	id := records[0].Identity()
	if EncodeKey(id) != key {
		return testresult.Identity{}, fmt.Errorf("history for %s is stored under foreign key %q", id, key)
	}
	return id, nil
}

// load reads the current history. A file that is not a JSON array is moved aside to
// <key>.corrupt-<runID> and replaced by an empty history.
func (w *Writer) load(ctx context.Context, key, runID string) ([]testresult.Record, error) {
	data, err := storage.ReadAll(ctx, w.storage, key)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			return []testresult.Record{}, nil
		}
		return nil, err
	}

	var records []testresult.Record
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	} else {
		quarantine := key + ".corrupt-" + runID
		if qerr := w.storage.Upload(ctx, quarantine, bytes.NewReader(data)); qerr != nil {
			return nil, fmt.Errorf("history is corrupt (%v) and could not be quarantined: %w", err, qerr)
		}
		w.logger.Warn(ctx, "corrupt cumulative history quarantined", map[string]interface{}{
			"key":        key,
			"quarantine": quarantine,
			"error":      err.Error(),
		})
	}
	return []testresult.Record{}, nil
}

// keyedMutex hands out one mutex per key and forgets it when no caller holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
