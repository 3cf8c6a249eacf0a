package resultindex

import (
	"context"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// Store defines the interface for result index operations.
type Store interface {
	// Index adds one record to the index.
	Index(ctx context.Context, rec *testresult.Record) error

	// Rebuild replaces the whole index with records and returns how many were indexed.
	Rebuild(ctx context.Context, records []testresult.Record) (int, error)

	// ListByRun retrieves the results of one run in start order.
	ListByRun(ctx context.Context, runID string) ([]*Result, error)

	// ListByTest retrieves the most recent results of one test, newest first.
	ListByTest(ctx context.Context, nodeID string, limit int) ([]*Result, error)

	// RunStats counts the results of one run by status.
	RunStats(ctx context.Context, runID string) (*RunStats, error)

	// Flaky lists tests that both passed and failed across at least minRuns results.
	Flaky(ctx context.Context, minRuns, limit int) ([]FlakyTest, error)
}
