// Package ingest replays a JSON-lines stream of test engine events through a reporting
// sink. Each line is one event:
//
//	{"event":"session_start","environment":{"base_url":"http://localhost:3000"}}
//	{"event":"test_finished","nodeid":"tests/test_buy_gold.py::test_buy_gold_happy_amount","status":"passed","duration_seconds":2.5}
//	{"event":"session_end","exit_status":0}
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hairizuan-noorazman/buygold-e2e/reporting"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// Kind names an event type.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindTestFinished Kind = "test_finished"
	KindSessionEnd   Kind = "session_end"
)

// Phase is one setup/call/teardown report on the wire.
type Phase struct {
	Outcome         string  `json:"outcome"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Phases groups the phase reports of a test_finished event.
type Phases struct {
	Setup    *Phase `json:"setup,omitempty"`
	Call     *Phase `json:"call,omitempty"`
	Teardown *Phase `json:"teardown,omitempty"`
}

// Event is the wire form of every event kind. Fields not relevant to a kind are ignored.
type Event struct {
	Event Kind `json:"event"`

	// test_finished. The identity is taken from NodeID when set, else Module and TestName.
	NodeID          string            `json:"nodeid,omitempty"`
	Module          string            `json:"module,omitempty"`
	TestName        string            `json:"test_name,omitempty"`
	Status          string            `json:"status,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorTrace      string            `json:"error_trace,omitempty"`
	Phases          *Phases           `json:"phases,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`

	// session_end
	ExitStatus int `json:"exit_status,omitempty"`
}

// ParseLine decodes one event line.
func ParseLine(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	switch ev.Event {
	case KindSessionStart, KindTestFinished, KindSessionEnd:
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Event)
	}
}

// SessionStart converts a session_start event.
func (e *Event) SessionStart() reporting.SessionStart {
	return reporting.SessionStart{
		StartedAt:   timeOrZero(e.StartedAt),
		Environment: e.Environment,
	}
}

// SessionEnd converts a session_end event.
func (e *Event) SessionEnd() reporting.SessionEnd {
	return reporting.SessionEnd{
		FinishedAt: timeOrZero(e.FinishedAt),
		ExitStatus: e.ExitStatus,
	}
}

// TestFinished converts a test_finished event. Identity and status problems are reported
// as testresult.ErrInvalidOutcome.
func (e *Event) TestFinished() (reporting.TestFinished, error) {
	var raw reporting.TestFinished

	if e.NodeID != "" {
		id, err := testresult.ParseIdentity(e.NodeID)
		if err != nil {
			return raw, fmt.Errorf("%w: %w", testresult.ErrInvalidOutcome, err)
		}
		raw.Identity = id
	} else {
		raw.Identity = testresult.Identity{Module: e.Module, TestName: e.TestName}
	}

	if e.Status != "" {
		status, err := testresult.ParseStatus(e.Status)
		if err != nil {
			return raw, err
		}
		raw.Status = status
	}

	raw.StartedAt = timeOrZero(e.StartedAt)
	raw.FinishedAt = timeOrZero(e.FinishedAt)
	raw.Duration = seconds(e.DurationSeconds)
	raw.ErrorMessage = e.ErrorMessage
	raw.ErrorTrace = e.ErrorTrace
	raw.Environment = e.Environment

	if e.Phases != nil {
		raw.Phases = &testresult.Phases{
			Setup:    e.Phases.Setup.report(),
			Call:     e.Phases.Call.report(),
			Teardown: e.Phases.Teardown.report(),
		}
	}
	return raw, nil
}

func (p *Phase) report() *testresult.PhaseReport {
	if p == nil {
		return nil
	}
	return &testresult.PhaseReport{
		Outcome:  testresult.PhaseOutcome(strings.ToLower(strings.TrimSpace(p.Outcome))),
		Duration: seconds(p.DurationSeconds),
		Error:    p.Error,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
