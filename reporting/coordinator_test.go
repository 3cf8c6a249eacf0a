package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/cumulative"
	"github.com/hairizuan-noorazman/buygold-e2e/history"
	"github.com/hairizuan-noorazman/buygold-e2e/internal/runid"
	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/resultindex"
	"github.com/hairizuan-noorazman/buygold-e2e/runmetrics"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
	"github.com/hairizuan-noorazman/buygold-e2e/testutil"
)

var sessionEnv = map[string]string{"base_url": "http://localhost:3000", "headless": "true"}

type fixture struct {
	store      storage.BlobStorage
	local      *storage.LocalStorage
	log        *logger.TestLogger
	history    *history.Appender
	cumulative *cumulative.Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	log := logger.NewTestLogger()
	return &fixture{
		store:      local,
		local:      local,
		log:        log,
		history:    history.NewAppender(local, log),
		cumulative: cumulative.NewWriter(local, log),
	}
}

func testProvider() *runid.Provider {
	now := time.Date(2026, 2, 15, 19, 19, 11, 0, time.UTC)
	var mu sync.Mutex
	return runid.NewProvider(
		runid.WithLocation(time.UTC),
		runid.WithSuffix(func() string { return "deadbeef" }),
		runid.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(time.Second)
			return now
		}),
	)
}

func (f *fixture) coordinator(opts ...Option) *Coordinator {
	return NewCoordinator(f.store, f.log, append([]Option{WithProvider(testProvider())}, opts...)...)
}

func (f *fixture) runReport(t *testing.T, runID string) *aggregate.RunSummary {
	t.Helper()
	data, err := storage.ReadAll(context.Background(), f.local, RunKey(runID))
	require.NoError(t, err)
	summary, err := aggregate.Decode(data)
	require.NoError(t, err)
	require.NoError(t, summary.Verify())
	return summary
}

func TestCoordinator_SinglePassedTest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator()

	runID, err := c.OnSessionStart(ctx, SessionStart{Environment: sessionEnv})
	require.NoError(t, err)
	assert.Equal(t, "2026-02-15T191913.000000000+0000-0001-deadbeef", runID)
	assert.Equal(t, StateOpen, c.State())

	rec, err := c.OnTestFinished(ctx, testutil.NewEvent("test_buy_gold_happy_amount", testresult.StatusPassed))
	require.NoError(t, err)
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, "true", rec.Environment["headless"])

	summary, err := c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, summary.Counts[testresult.StatusPassed])
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, sessionEnv, summary.Environment)

	persisted := f.runReport(t, runID)
	assert.Equal(t, summary.Counts, persisted.Counts)

	perTest, err := f.cumulative.History(ctx, rec.Identity())
	require.NoError(t, err)
	assert.Len(t, perTest, 1)

	log, err := f.history.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, log, 1)

	assert.Empty(t, f.log.EntriesAt("warn"))
}

func TestCoordinator_FailedTestCarriesErrorEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator()

	runID, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)

	rec, err := c.OnTestFinished(ctx, testutil.NewEvent("test_buy_gold_negative_insufficient_funds", testresult.StatusFailed))
	require.NoError(t, err)
	_, err = c.OnSessionEnd(ctx, SessionEnd{ExitStatus: 1})
	require.NoError(t, err)

	persisted := f.runReport(t, runID)
	require.Len(t, persisted.Records, 1)
	assert.Equal(t, "insufficient funds", persisted.Records[0].ErrorMessage)
	assert.Equal(t, 1, persisted.ExitStatus)

	perTest, err := f.cumulative.History(ctx, rec.Identity())
	require.NoError(t, err)
	require.Len(t, perTest, 1)
	assert.Equal(t, "insufficient funds", perTest[0].ErrorMessage)

	log, err := f.history.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "insufficient funds", log[0].ErrorMessage)
}

func TestCoordinator_EmptySession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator()

	runID, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)
	summary, err := c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)

	for _, st := range testresult.TerminalStatuses {
		assert.Equal(t, 0, summary.Counts[st])
	}
	f.runReport(t, runID)

	ids, err := f.cumulative.Identities(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	exists, err := f.local.Exists(ctx, history.DefaultKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCoordinator_CollidingRunIDKeepsFirstReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.coordinator()
	runID, err := first.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)
	_, err = first.OnTestFinished(ctx, testutil.NewEvent("test_a", testresult.StatusPassed))
	require.NoError(t, err)
	_, err = first.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)

	// Same clock and suffix, so the second session gets the same run id.
	second := f.coordinator()
	again, err := second.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)
	require.Equal(t, runID, again)

	summary, err := second.OnSessionEnd(ctx, SessionEnd{})
	require.NotNil(t, summary)
	assert.ErrorIs(t, err, ErrRunExists)
	var sinkErr *SinkErrors
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, []string{RunSinkName}, sinkErr.Sinks())

	persisted := f.runReport(t, runID)
	assert.Equal(t, 1, persisted.Total, "the first report is not overwritten")
}

// appendFailingStorage makes the history log unwritable while uploads keep working.
type appendFailingStorage struct {
	storage.BlobStorage
}

func (appendFailingStorage) Append(context.Context, string, []byte) error {
	return errors.New("read-only file system")
}

func TestCoordinator_UnwritableHistoryLogIsAdvisory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store = appendFailingStorage{BlobStorage: f.local}
	c := f.coordinator()

	runID, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)

	rec, err := c.OnTestFinished(ctx, testutil.NewEvent("test_buy_gold_happy_grams", testresult.StatusPassed))
	require.NotNil(t, rec, "the record is still produced")

	var sinkErr *SinkErrors
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, []string{history.SinkName}, sinkErr.Sinks())
	var pe *testresult.PersistenceError
	assert.True(t, errors.As(err, &pe))

	summary, err := c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts[testresult.StatusPassed])
	f.runReport(t, runID)

	perTest, err := f.cumulative.History(ctx, rec.Identity())
	require.NoError(t, err)
	assert.Len(t, perTest, 1)

	warnings := f.log.EntriesAt("warn")
	require.Len(t, warnings, 1)
	assert.Equal(t, history.SinkName, warnings[0].Fields["sink"])
	assert.Equal(t, rec.NodeID, warnings[0].Fields["nodeid"])
}

func TestCoordinator_SinkFailuresDoNotShortCircuit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store = failAll{}
	idx := &recordingIndexer{}
	c := f.coordinator(WithIndexer(idx))

	_, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)

	rec, err := c.OnTestFinished(ctx, testutil.NewEvent("test_a", testresult.StatusPassed))
	var sinkErr *SinkErrors
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, []string{history.SinkName, cumulative.SinkName}, sinkErr.Sinks())
	assert.Len(t, idx.records, 1, "the index is still attempted")

	summary, err := c.OnSessionEnd(ctx, SessionEnd{})
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, []string{RunSinkName}, sinkErr.Sinks())
	require.NotNil(t, summary)
	assert.Equal(t, rec.NodeID, summary.Records[0].NodeID, "the aggregator still recorded the test")
	assert.Len(t, f.log.EntriesAt("warn"), 3)
}

// failAll refuses every write.
type failAll struct {
	storage.BlobStorage
}

func (failAll) Append(context.Context, string, []byte) error {
	return errors.New("append refused")
}

func (failAll) Upload(ctx context.Context, path string, r io.Reader) error {
	return errors.New("upload refused")
}

func (failAll) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrFileNotFound
}

func (failAll) Exists(context.Context, string) (bool, error) {
	return false, nil
}

type recordingIndexer struct {
	mu      sync.Mutex
	records []*testresult.Record
}

func (r *recordingIndexer) Index(_ context.Context, rec *testresult.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestCoordinator_InvalidOutcomeTouchesNoSink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator()

	_, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   TestFinished
	}{
		{name: "missing test name", ev: TestFinished{Identity: testresult.Identity{Module: testutil.Module}, Status: testresult.StatusPassed}},
		{name: "non-terminal status", ev: testutil.NewEvent("test_a", testresult.StatusRunning)},
		{name: "unknown status", ev: testutil.NewEvent("test_a", testresult.Status("flaky"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := c.OnTestFinished(ctx, tt.ev)
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, testresult.ErrInvalidOutcome)
			var sinkErr *SinkErrors
			assert.False(t, errors.As(err, &sinkErr))
		})
	}

	summary, err := c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)

	log, err := f.history.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestCoordinator_Protocol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator()

	_, err := c.OnTestFinished(ctx, testutil.NewEvent("test_a", testresult.StatusPassed))
	assert.ErrorIs(t, err, ErrSessionNotStarted)
	_, err = c.OnSessionEnd(ctx, SessionEnd{})
	assert.ErrorIs(t, err, ErrSessionNotStarted)
	assert.Empty(t, c.RunID())

	runID, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)
	_, err = c.OnSessionStart(ctx, SessionStart{})
	assert.ErrorIs(t, err, ErrSessionAlreadyOpen)
	assert.Equal(t, runID, c.RunID())

	_, err = c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)

	_, err = c.OnTestFinished(ctx, testutil.NewEvent("test_a", testresult.StatusPassed))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = c.OnSessionEnd(ctx, SessionEnd{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = c.OnSessionStart(ctx, SessionStart{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCoordinator_ParallelEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator()

	runID, err := c.OnSessionStart(ctx, SessionStart{Environment: sessionEnv})
	require.NoError(t, err)

	const distinct, repeats = 16, 8
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < distinct; i++ {
		for j := 0; j < repeats; j++ {
			ev := testutil.NewEvent(fmt.Sprintf("test_case[%02d]", i), testresult.StatusPassed)
			if j%2 == 1 {
				ev = testutil.NewEvent(fmt.Sprintf("test_case[%02d]", i), testresult.StatusFailed)
			}
			g.Go(func() error {
				_, err := c.OnTestFinished(gctx, ev)
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	summary, err := c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)
	assert.Equal(t, distinct*repeats, summary.Total)
	assert.Equal(t, distinct*repeats/2, summary.Counts[testresult.StatusFailed])
	f.runReport(t, runID)

	ids, err := f.cumulative.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, ids, distinct)
	for _, id := range ids {
		perTest, err := f.cumulative.History(ctx, id)
		require.NoError(t, err)
		assert.Len(t, perTest, repeats, "history of %s", id)
	}

	log, err := f.history.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, log, distinct*repeats)
}

func TestCoordinator_IndexAndMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	db := testutil.SetupTestDB(t)
	testutil.AutoMigrate(t, db, &resultindex.Result{})
	idx := resultindex.NewSQLStore(db, f.log)

	c := f.coordinator(
		WithIndexer(idx),
		WithSummaryExporter(runmetrics.NewExporter(f.store, f.log)),
	)

	runID, err := c.OnSessionStart(ctx, SessionStart{})
	require.NoError(t, err)
	for _, st := range []testresult.Status{testresult.StatusPassed, testresult.StatusSkipped, testresult.StatusErrored} {
		_, err := c.OnTestFinished(ctx, testutil.NewEvent("test_"+string(st), st))
		require.NoError(t, err)
	}
	_, err = c.OnSessionEnd(ctx, SessionEnd{})
	require.NoError(t, err)

	stats, err := idx.RunStats(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Counts[testresult.StatusErrored])

	metrics, err := storage.ReadAll(ctx, f.local, runmetrics.DefaultKey)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `buygold_e2e_run_tests{status="skipped"} 1`)
}
