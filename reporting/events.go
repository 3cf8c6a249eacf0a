package reporting

import (
	"context"
	"time"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// SessionStart opens a session.
type SessionStart struct {
	// StartedAt defaults to the provider's clock.
	StartedAt time.Time
	// Environment is merged into every record of the session.
	Environment map[string]string
}

// TestFinished reports one completed test.
type TestFinished = testresult.RawOutcome

// SessionEnd closes a session.
type SessionEnd struct {
	// FinishedAt defaults to the provider's clock.
	FinishedAt time.Time
	ExitStatus int
}

// EventSink is the inbound contract toward the test engine. Sink failures are advisory:
// OnTestFinished and OnSessionEnd still return their result alongside a *SinkErrors.
type EventSink interface {
	OnSessionStart(ctx context.Context, ev SessionStart) (string, error)
	OnTestFinished(ctx context.Context, ev TestFinished) (*testresult.Record, error)
	OnSessionEnd(ctx context.Context, ev SessionEnd) (*aggregate.RunSummary, error)
}

// Indexer receives every record after the file sinks.
type Indexer interface {
	Index(ctx context.Context, rec *testresult.Record) error
}

// SummaryExporter receives the run summary after it is persisted.
type SummaryExporter interface {
	Export(ctx context.Context, s *aggregate.RunSummary) error
}
