// Package aggregate accumulates the records of one session and produces its run summary.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

var (
	// ErrSessionClosed is returned when records arrive after the session was finalized.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInconsistentSummary is returned by Verify when counts disagree with records.
	ErrInconsistentSummary = errors.New("run summary counts do not match records")
)

// RunSummary is the per-run report. It is immutable once returned by Finalize.
type RunSummary struct {
	RunID       string                    `json:"run_id"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	ExitStatus  int                       `json:"exit_status"`
	Total       int                       `json:"total"`
	Counts      map[testresult.Status]int `json:"counts"`
	Environment map[string]string         `json:"environment"`
	Records     []testresult.Record       `json:"records"`
}

// Count tallies records by status. Every terminal status is present, zero when unused.
func Count(records []testresult.Record) map[testresult.Status]int {
	counts := make(map[testresult.Status]int, len(testresult.TerminalStatuses))
	for _, s := range testresult.TerminalStatuses {
		counts[s] = 0
	}
	for _, r := range records {
		counts[r.Status]++
	}
	return counts
}

// Verify recomputes the counts from the records and compares them with the stored ones.
func (s *RunSummary) Verify() error {
	if s.Total != len(s.Records) {
		return fmt.Errorf("%w: total %d, records %d", ErrInconsistentSummary, s.Total, len(s.Records))
	}
	sum := 0
	for _, n := range s.Counts {
		sum += n
	}
	if sum != len(s.Records) {
		return fmt.Errorf("%w: counts sum to %d, records %d", ErrInconsistentSummary, sum, len(s.Records))
	}
	for status, n := range Count(s.Records) {
		if s.Counts[status] != n {
			return fmt.Errorf("%w: %s counted %d, records have %d", ErrInconsistentSummary, status, s.Counts[status], n)
		}
	}
	return nil
}

// Duration returns the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Marshal renders the report as indented JSON terminated by a newline.
func (s *RunSummary) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run summary: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a persisted run report.
func Decode(data []byte) (*RunSummary, error) {
	var s RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return &s, nil
}

// Aggregator collects the records of one session. It is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	runID     string
	startedAt time.Time
	env       map[string]string
	records   []testresult.Record
	closed    bool
}

// New creates an open aggregator for the session runID.
func New(runID string, startedAt time.Time, env map[string]string) *Aggregator {
	copied := make(map[string]string, len(env))
	for k, v := range env {
		copied[k] = v
	}
	return &Aggregator{
		runID:     runID,
		startedAt: startedAt,
		env:       copied,
		records:   make([]testresult.Record, 0),
	}
}

// Record adds rec in arrival order.
func (a *Aggregator) Record(rec *testresult.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", testresult.ErrInvalidOutcome)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrSessionClosed
	}
	a.records = append(a.records, *rec)
	return nil
}

// Len returns the number of records accumulated so far.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Finalize closes the session and returns its summary. It succeeds once; later calls return
// ErrSessionClosed. A finish time before the start is clamped to the start.
func (a *Aggregator) Finalize(finishedAt time.Time, exitStatus int) (*RunSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrSessionClosed
	}
	a.closed = true

	if finishedAt.Before(a.startedAt) {
		finishedAt = a.startedAt
	}

	summary := &RunSummary{
		RunID:       a.runID,
		StartedAt:   a.startedAt,
		FinishedAt:  finishedAt,
		ExitStatus:  exitStatus,
		Total:       len(a.records),
		Counts:      Count(a.records),
		Environment: a.env,
		Records:     a.records,
	}
	a.records = nil
	return summary, nil
}
