package reporting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

var (
	// ErrSessionClosed is returned for any event after the session ended.
	ErrSessionClosed = aggregate.ErrSessionClosed

	// ErrSessionNotStarted is returned for test or end events before the session started.
	ErrSessionNotStarted = errors.New("session not started")

	// ErrSessionAlreadyOpen is returned when a session is started twice.
	ErrSessionAlreadyOpen = errors.New("session already open")

	// ErrRunExists is returned when a run report with the same run id was already written.
	ErrRunExists = errors.New("run report already exists")
)

// SinkErrors collects the failures of individual reporting sinks for one event. The event
// itself was handled; only the listed sinks are missing its data.
type SinkErrors struct {
	RunID  string
	NodeID string
	Errs   []error
}

func (e *SinkErrors) Error() string {
	subject := e.RunID
	if e.NodeID != "" {
		subject = e.NodeID
	}
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d reporting sink(s) failed for %s: %s", len(e.Errs), subject, strings.Join(msgs, "; "))
}

func (e *SinkErrors) Unwrap() []error {
	return e.Errs
}

// Sinks returns the names of the failed sinks.
func (e *SinkErrors) Sinks() []string {
	names := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		names = append(names, sinkName(err))
	}
	return names
}

func sinkName(err error) string {
	var pe *testresult.PersistenceError
	if errors.As(err, &pe) {
		return pe.Sink
	}
	return "unknown"
}
