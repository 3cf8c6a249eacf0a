package cumulative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

const module = "tests/test_buy_gold.py"

var baseTime = time.Date(2026, 2, 16, 0, 49, 11, 0, time.UTC)

func newRecord(runID, test string, status testresult.Status) *testresult.Record {
	rec := &testresult.Record{
		RunID:           runID,
		Module:          module,
		TestName:        test,
		NodeID:          module + "::" + test,
		Status:          status,
		StartedAt:       baseTime,
		FinishedAt:      baseTime.Add(time.Second),
		DurationSeconds: 1,
		RecordedAt:      baseTime.Add(time.Second),
		Environment:     map[string]string{"headless": "true"},
	}
	if status.IsFailure() {
		rec.ErrorMessage = "insufficient funds"
		rec.ErrorTrace = "insufficient funds"
	}
	return rec
}

func setupWriter(t *testing.T) (*Writer, *storage.LocalStorage, *logger.TestLogger) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	log := logger.NewTestLogger()
	return NewWriter(store, log), store, log
}

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		name string
		id   testresult.Identity
		want string
	}{
		{
			name: "plain names",
			id:   testresult.Identity{Module: "test_login.py", TestName: "test_login_ok"},
			want: "tests/test_login.py~test_login_ok.json",
		},
		{
			name: "module path and parametrised test",
			id:   testresult.Identity{Module: module, TestName: "test_grams[1.5]"},
			want: "tests/tests%2Ftest_buy_gold.py~test_grams%5B1.5%5D.json",
		},
		{
			name: "separator and percent are escaped",
			id:   testresult.Identity{Module: "a~b", TestName: "100%"},
			want: "tests/a%7Eb~100%25.json",
		},
		{
			name: "non-ascii bytes",
			id:   testresult.Identity{Module: "m.py", TestName: "test_₹"},
			want: "tests/m.py~test_%E2%82%B9.json",
		},
		{
			name: "upper-case letters are escaped",
			id:   testresult.Identity{Module: "Test_A.py", TestName: "test_B"},
			want: "tests/%54est_%41.py~test_%42.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeKey(tt.id)
			assert.Equal(t, tt.want, got)

			decoded, err := DecodeKey(got)
			require.NoError(t, err)
			assert.Equal(t, tt.id, decoded)
		})
	}
}

func TestEncodeKey_Injective(t *testing.T) {
	ids := []testresult.Identity{
		{Module: "a~b", TestName: "c"},
		{Module: "a", TestName: "b~c"},
		{Module: "a/b", TestName: "c"},
		{Module: "a%2Fb", TestName: "c"},
		{Module: "a_b", TestName: "c"},
		{Module: "a b", TestName: "c"},
		{Module: "A", TestName: "c"},
		{Module: "a", TestName: "c"},
	}
	seen := make(map[string]testresult.Identity)
	for _, id := range ids {
		key := EncodeKey(id)
		if prev, ok := seen[key]; ok {
			t.Fatalf("%v and %v both encode to %s", prev, id, key)
		}
		seen[key] = id
	}
}

func TestEncodeKey_DistinctUnderCaseFolding(t *testing.T) {
	pairs := [][2]testresult.Identity{
		{{Module: module, TestName: "Test_A"}, {Module: module, TestName: "test_a"}},
		{{Module: "Tests.py", TestName: "t"}, {Module: "tests.py", TestName: "t"}},
		{{Module: "m.py", TestName: "test_%7e"}, {Module: "m.py", TestName: "test_~"}},
	}
	for _, p := range pairs {
		a, b := EncodeKey(p[0]), EncodeKey(p[1])
		assert.NotEqual(t, strings.ToLower(a), strings.ToLower(b), "%v and %v", p[0], p[1])
	}
}

func TestEncodeKey_LongIdentity(t *testing.T) {
	long := testresult.Identity{
		Module:   "tests/test_buy_gold_happy_amount.py",
		TestName: strings.Repeat("test_buy_gold[amount 1000 INR / ×8]", 8),
	}
	sibling := testresult.Identity{Module: long.Module, TestName: long.TestName + "x"}

	key := EncodeKey(long)
	assert.LessOrEqual(t, len(path.Base(key)), maxNameLen)
	assert.True(t, strings.HasPrefix(key, "tests/tests%2Ftest_buy_gold_happy_amount.py~test_buy_gold%5Bamount"))
	assert.True(t, strings.HasSuffix(key, keyExt))
	assert.NotEqual(t, key, EncodeKey(sibling))
	assert.Equal(t, key, EncodeKey(long))

	_, err := DecodeKey(key)
	assert.ErrorIs(t, err, ErrHashedKey)
}

func TestDecodeKey_Invalid(t *testing.T) {
	keys := []string{
		"history.jsonl",
		"tests/no-separator.json",
		"tests/a~b~c.json",
		"tests/a~b.json.corrupt-run-1",
		"tests/a%2~b.json",
		"tests/a%ZZ~b.json",
		"tests/~b.json",
		"runs/a~b.json",
		"tests/A~b.json",
		"tests/a%7e~b.json",
		"tests/a~~b.json",
		"tests/a~~" + strings.Repeat("A", 64) + ".json",
	}
	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			_, err := DecodeKey(key)
			assert.Error(t, err)
		})
	}
}

func TestWriter_AppendCreatesAndGrows(t *testing.T) {
	ctx := context.Background()
	w, store, _ := setupWriter(t)
	id := testresult.Identity{Module: module, TestName: "test_buy_gold_happy_amount"}

	history, err := w.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)

	exists, err := store.Exists(ctx, EncodeKey(id))
	require.NoError(t, err)
	assert.False(t, exists)

	var lengths []int
	for i, status := range []testresult.Status{testresult.StatusPassed, testresult.StatusFailed, testresult.StatusPassed} {
		rec := newRecord(fmt.Sprintf("run-%d", i), id.TestName, status)
		require.NoError(t, w.Append(ctx, id, rec))

		history, err := w.History(ctx, id)
		require.NoError(t, err)
		lengths = append(lengths, len(history))
		assert.Equal(t, rec.RunID, history[len(history)-1].RunID)
	}
	assert.Equal(t, []int{1, 2, 3}, lengths)

	// The file on disk is a complete, indented JSON array.
	data, err := os.ReadFile(filepath.Join(store.BaseDir(), filepath.FromSlash(EncodeKey(id))))
	require.NoError(t, err)
	var onDisk []testresult.Record
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Len(t, onDisk, 3)
	assert.Equal(t, "insufficient funds", onDisk[1].ErrorMessage)
}

func TestWriter_AppendRejectsMismatchedIdentity(t *testing.T) {
	ctx := context.Background()
	w, _, _ := setupWriter(t)

	err := w.Append(ctx, testresult.Identity{Module: module, TestName: "test_a"}, newRecord("run-1", "test_b", testresult.StatusPassed))
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	err = w.Append(ctx, testresult.Identity{Module: module}, newRecord("run-1", "", testresult.StatusPassed))
	assert.ErrorIs(t, err, testresult.ErrInvalidOutcome)
}

func TestWriter_ParallelDistinctIdentities(t *testing.T) {
	ctx := context.Background()
	w, _, _ := setupWriter(t)

	const n = 32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		test := fmt.Sprintf("test_case[%02d]", i)
		g.Go(func() error {
			rec := newRecord("run-1", test, testresult.StatusPassed)
			return w.Append(gctx, rec.Identity(), rec)
		})
	}
	require.NoError(t, g.Wait())

	ids, err := w.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, ids, n)

	for _, id := range ids {
		history, err := w.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, id.TestName, history[0].TestName)
	}
}

func TestWriter_ParallelSameIdentity(t *testing.T) {
	ctx := context.Background()
	w, _, _ := setupWriter(t)
	id := testresult.Identity{Module: module, TestName: "test_buy_gold_happy_grams"}

	const m = 40
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newRecord(fmt.Sprintf("run-%02d", i), id.TestName, testresult.StatusPassed)
			assert.NoError(t, w.Append(ctx, id, rec))
		}(i)
	}
	wg.Wait()

	history, err := w.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, m)

	seen := make(map[string]int)
	for _, r := range history {
		seen[r.RunID]++
	}
	assert.Len(t, seen, m)
	for runID, count := range seen {
		assert.Equal(t, 1, count, "run %s", runID)
	}
	assert.Empty(t, w.locks.locks, "per-key locks are released")
}

func TestWriter_QuarantinesCorruptHistory(t *testing.T) {
	ctx := context.Background()
	w, store, log := setupWriter(t)
	id := testresult.Identity{Module: module, TestName: "test_corrupt"}
	key := EncodeKey(id)

	path := filepath.Join(store.BaseDir(), filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`[{"run_id":"run-0"`), 0644))

	require.NoError(t, w.Append(ctx, id, newRecord("run-7", id.TestName, testresult.StatusPassed)))

	history, err := w.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "run-7", history[0].RunID)

	quarantined, err := storage.ReadAll(ctx, store, key+".corrupt-run-7")
	require.NoError(t, err)
	assert.Equal(t, `[{"run_id":"run-0"`, string(quarantined))

	warnings := log.EntriesAt("warn")
	require.Len(t, warnings, 1)
	assert.Equal(t, key, warnings[0].Fields["key"])

	ids, err := w.Identities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []testresult.Identity{id}, ids)
}

// crashingStorage cuts every upload short after limit bytes, like a process dying mid-write.
type crashingStorage struct {
	storage.BlobStorage
	limit int
}

type truncatingReader struct {
	r         io.Reader
	remaining int
}

func (t *truncatingReader) Read(p []byte) (int, error) {
	if t.remaining <= 0 {
		return 0, errors.New("process killed")
	}
	if len(p) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.r.Read(p)
	t.remaining -= n
	return n, err
}

func (c crashingStorage) Upload(ctx context.Context, path string, r io.Reader) error {
	return c.BlobStorage.Upload(ctx, path, &truncatingReader{r: r, remaining: c.limit})
}

func TestWriter_CrashMidWriteKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	w, store, _ := setupWriter(t)
	id := testresult.Identity{Module: module, TestName: "test_buy_gold_negative_insufficient_funds"}

	require.NoError(t, w.Append(ctx, id, newRecord("run-1", id.TestName, testresult.StatusFailed)))
	require.NoError(t, w.Append(ctx, id, newRecord("run-2", id.TestName, testresult.StatusFailed)))
	before, err := w.History(ctx, id)
	require.NoError(t, err)

	crashing := NewWriter(crashingStorage{BlobStorage: store, limit: 100}, logger.NewTestLogger())
	err = crashing.Append(ctx, id, newRecord("run-3", id.TestName, testresult.StatusFailed))

	var pe *testresult.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, SinkName, pe.Sink)
	assert.Equal(t, EncodeKey(id), pe.Key)

	after, err := w.History(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("history changed after failed write (-before +after):\n%s", diff)
	}

	// A later successful append still extends the intact history.
	require.NoError(t, w.Append(ctx, id, newRecord("run-4", id.TestName, testresult.StatusPassed)))
	final, err := w.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, final, 3)
}

func TestWriter_IdentitiesOnEmptyStore(t *testing.T) {
	w, _, _ := setupWriter(t)
	ids, err := w.Identities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWriter_LongIdentity(t *testing.T) {
	ctx := context.Background()
	w, store, log := setupWriter(t)
	id := testresult.Identity{
		Module:   "tests/test_buy_gold_happy_amount.py",
		TestName: strings.Repeat("test_buy_gold[amount 1000 INR / ×8]", 8),
	}
	short := testresult.Identity{Module: module, TestName: "test_buy_gold_happy_grams"}

	rec := newRecord("2026-02-16T064911.000000000+0530-0001-deadbeef", id.TestName, testresult.StatusPassed)
	rec.Module = id.Module
	rec.NodeID = id.String()
	require.NoError(t, w.Append(ctx, id, rec))
	require.NoError(t, w.Append(ctx, short, newRecord("run-1", short.TestName, testresult.StatusPassed)))

	history, err := w.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id.TestName, history[0].TestName)

	ids, err := w.Identities(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []testresult.Identity{id, short}, ids)
	assert.Empty(t, log.EntriesAt("warn"))

	// A corrupt long history can still be quarantined next to the original.
	file := filepath.Join(store.BaseDir(), filepath.FromSlash(EncodeKey(id)))
	require.NoError(t, os.WriteFile(file, []byte("not json"), 0644))
	next := *rec
	next.RunID = "2026-02-16T065911.000000000+0530-0002-deadbeef"
	require.NoError(t, w.Append(ctx, id, &next))

	quarantined, err := storage.ReadAll(ctx, store, EncodeKey(id)+".corrupt-"+next.RunID)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(quarantined))
}

func TestWriter_IdentitiesSkipsUnreadableHashedKey(t *testing.T) {
	ctx := context.Background()
	w, store, log := setupWriter(t)
	key := "tests/m.py~test~~" + strings.Repeat("ab", 32) + ".json"
	require.NoError(t, store.Upload(ctx, key, strings.NewReader("[]")))

	ids, err := w.Identities(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	warnings := log.EntriesAt("warn")
	require.Len(t, warnings, 1)
	assert.Equal(t, key, warnings[0].Fields["key"])
}
