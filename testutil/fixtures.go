package testutil

import (
	"time"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

const (
	// Module is the test module used by fixtures.
	Module = "tests/test_buy_gold.py"

	// FailureMessage is the error text attached to failing fixtures.
	FailureMessage = "insufficient funds"
)

// NewRecord creates a one-second record for Module that started at start.
func NewRecord(runID, test string, status testresult.Status, start time.Time) *testresult.Record {
	rec := &testresult.Record{
		RunID:           runID,
		NodeID:          Module + "::" + test,
		Module:          Module,
		TestName:        test,
		Status:          status,
		StartedAt:       start,
		FinishedAt:      start.Add(time.Second),
		DurationSeconds: 1,
		RecordedAt:      start.Add(time.Second),
		Environment:     map[string]string{"base_url": "http://localhost:3000"},
	}
	if status.IsFailure() {
		rec.ErrorMessage = FailureMessage
		rec.ErrorTrace = FailureMessage
	}
	return rec
}

// NewEvent creates a raw outcome for Module with the given status and no timestamps.
func NewEvent(test string, status testresult.Status) testresult.RawOutcome {
	raw := testresult.RawOutcome{
		Identity: testresult.Identity{Module: Module, TestName: test},
		Status:   status,
		Duration: 1500 * time.Millisecond,
	}
	if status.IsFailure() {
		raw.ErrorMessage = FailureMessage
	}
	return raw
}
