// Package reporting drives the result sinks for one test session. The Coordinator is the
// only entry point for the test engine: it opens the session, fans every finished test out
// to the history log, the per-test histories and the run aggregator, and persists the run
// report when the session ends.
package reporting

import (
	"bytes"
	"context"
	"sync"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/cumulative"
	"github.com/hairizuan-noorazman/buygold-e2e/history"
	"github.com/hairizuan-noorazman/buygold-e2e/internal/runid"
	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

const (
	// RunsDir is the storage prefix of per-run reports.
	RunsDir = "runs"

	// RunSinkName identifies the run report in errors and logs.
	RunSinkName = "run"
)

// RunKey returns the storage key of a run report.
func RunKey(runID string) string {
	return RunsDir + "/run_" + runID + ".json"
}

// State is the lifecycle position of a Coordinator.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "session_open"
	case StateClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithProvider sets the run id and clock source.
func WithProvider(p *runid.Provider) Option {
	return func(c *Coordinator) {
		c.ids = p
	}
}

// WithIndexer adds a record index that is updated after the file sinks.
func WithIndexer(idx Indexer) Option {
	return func(c *Coordinator) {
		c.indexer = idx
	}
}

// WithSummaryExporter adds an exporter that runs after the run report is written.
func WithSummaryExporter(e SummaryExporter) Option {
	return func(c *Coordinator) {
		c.exporter = e
	}
}

// Coordinator implements EventSink for exactly one session. It is safe for concurrent use:
// test-finished events may arrive from parallel workers. A closed Coordinator is not reused.
type Coordinator struct {
	storage    storage.BlobStorage
	logger     logger.Logger
	ids        *runid.Provider
	history    *history.Appender
	cumulative *cumulative.Writer
	indexer    Indexer
	exporter   SummaryExporter

	// mu is held shared while a test event is handled and exclusively for state changes,
	// so the session cannot end under an in-flight event.
	mu         sync.RWMutex
	state      State
	runID      string
	builder    *testresult.Builder
	aggregator *aggregate.Aggregator
}

var _ EventSink = (*Coordinator)(nil)

// NewCoordinator creates an idle Coordinator writing its artifacts to store.
func NewCoordinator(store storage.BlobStorage, log logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		storage:    store,
		logger:     log,
		history:    history.NewAppender(store, log),
		cumulative: cumulative.NewWriter(store, log),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ids == nil {
		c.ids = runid.NewProvider()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RunID returns the id allocated at session start, or "" while idle.
func (c *Coordinator) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// OnSessionStart allocates the run id and opens the session.
func (c *Coordinator) OnSessionStart(ctx context.Context, ev SessionStart) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		return "", ErrSessionAlreadyOpen
	case StateClosed:
		return "", ErrSessionClosed
	}

	startedAt := ev.StartedAt
	if startedAt.IsZero() {
		startedAt = c.ids.Now()
	}

	c.runID = c.ids.NewRunID()
	c.builder = testresult.NewBuilder(c.ids.Now, ev.Environment)
	c.aggregator = aggregate.New(c.runID, startedAt, ev.Environment)
	c.state = StateOpen

	c.logger.Info(ctx, "test session started", map[string]interface{}{
		"run_id":     c.runID,
		"started_at": startedAt,
	})
	return c.runID, nil
}

// OnTestFinished records one finished test. Invalid outcomes are rejected before any sink
// is touched. Otherwise every sink is attempted in order (history log, per-test history,
// run aggregator, index) and failures are returned together as *SinkErrors alongside the
// record.
func (c *Coordinator) OnTestFinished(ctx context.Context, ev TestFinished) (*testresult.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateIdle:
		return nil, ErrSessionNotStarted
	case StateClosed:
		return nil, ErrSessionClosed
	}

	rec, err := c.builder.Build(c.runID, ev)
	if err != nil {
		c.logger.Error(ctx, "invalid test outcome", map[string]interface{}{
			"run_id": c.runID,
			"nodeid": ev.Identity.String(),
			"error":  err.Error(),
		})
		return nil, err
	}

	var errs []error
	if err := c.history.Append(ctx, rec); err != nil {
		errs = append(errs, err)
	}
	if err := c.cumulative.Append(ctx, rec.Identity(), rec); err != nil {
		errs = append(errs, err)
	}
	if err := c.aggregator.Record(rec); err != nil {
		errs = append(errs, &testresult.PersistenceError{Sink: RunSinkName, Err: err})
	}
	if c.indexer != nil {
		if err := c.indexer.Index(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	fields := map[string]interface{}{
		"run_id":   c.runID,
		"nodeid":   rec.NodeID,
		"status":   rec.Status,
		"duration": rec.DurationSeconds,
	}
	if rec.Status.IsFailure() {
		fields["error_message"] = rec.ErrorMessage
	}
	c.logger.Info(ctx, "test result recorded", fields)

	if len(errs) > 0 {
		sinkErr := &SinkErrors{RunID: c.runID, NodeID: rec.NodeID, Errs: errs}
		c.warn(ctx, sinkErr)
		return rec, sinkErr
	}
	return rec, nil
}

// OnSessionEnd finalizes the run, writes runs/run_<run_id>.json and runs the optional
// exporter. The session is closed even when persisting fails; the summary is returned with
// a *SinkErrors in that case.
func (c *Coordinator) OnSessionEnd(ctx context.Context, ev SessionEnd) (*aggregate.RunSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return nil, ErrSessionNotStarted
	case StateClosed:
		return nil, ErrSessionClosed
	}
	c.state = StateClosed

	finishedAt := ev.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = c.ids.Now()
	}
	summary, err := c.aggregator.Finalize(finishedAt, ev.ExitStatus)
	if err != nil {
		return nil, err
	}
	c.aggregator = nil
	c.builder = nil

	var errs []error
	if err := c.persistSummary(ctx, summary); err != nil {
		errs = append(errs, err)
	}
	if c.exporter != nil {
		if err := c.exporter.Export(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info(ctx, "test session finished", map[string]interface{}{
		"run_id":      summary.RunID,
		"total":       summary.Total,
		"passed":      summary.Counts[testresult.StatusPassed],
		"failed":      summary.Counts[testresult.StatusFailed],
		"skipped":     summary.Counts[testresult.StatusSkipped],
		"errored":     summary.Counts[testresult.StatusErrored],
		"exit_status": summary.ExitStatus,
	})

	if len(errs) > 0 {
		sinkErr := &SinkErrors{RunID: summary.RunID, Errs: errs}
		c.warn(ctx, sinkErr)
		return summary, sinkErr
	}
	return summary, nil
}

func (c *Coordinator) persistSummary(ctx context.Context, summary *aggregate.RunSummary) error {
	key := RunKey(summary.RunID)
	if err := summary.Verify(); err != nil {
		return &testresult.PersistenceError{Sink: RunSinkName, Key: key, Err: err}
	}
	data, err := summary.Marshal()
	if err != nil {
		return &testresult.PersistenceError{Sink: RunSinkName, Key: key, Err: err}
	}
	exists, err := c.storage.Exists(ctx, key)
	if err != nil {
		return &testresult.PersistenceError{Sink: RunSinkName, Key: key, Err: err}
	}
	if exists {
		return &testresult.PersistenceError{Sink: RunSinkName, Key: key, Err: ErrRunExists}
	}
	if err := c.storage.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		return &testresult.PersistenceError{Sink: RunSinkName, Key: key, Err: err}
	}
	return nil
}

// warn logs one warning per failed sink. Reporting failures never fail the session.
func (c *Coordinator) warn(ctx context.Context, sinkErr *SinkErrors) {
	for _, err := range sinkErr.Errs {
		fields := map[string]interface{}{
			"run_id": sinkErr.RunID,
			"sink":   sinkName(err),
			"error":  err.Error(),
		}
		if sinkErr.NodeID != "" {
			fields["nodeid"] = sinkErr.NodeID
		}
		c.logger.Warn(ctx, "reporting sink failed", fields)
	}
}
