// Package testresult holds the canonical record of one test execution and the builder that
// normalizes raw outcomes reported by the test engine.
package testresult

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidOutcome is returned when a raw outcome cannot be turned into a record.
	ErrInvalidOutcome = errors.New("invalid test outcome")

	// ErrInvalidIdentity is returned when a module or test name is missing.
	ErrInvalidIdentity = errors.New("test identity requires module and test name")
)

// Status represents the outcome of a test execution.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusErrored Status = "errored"
)

// TerminalStatuses lists the statuses a finished test can have, in report order.
var TerminalStatuses = []Status{StatusPassed, StatusFailed, StatusSkipped, StatusErrored}

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPassed, StatusFailed, StatusSkipped, StatusErrored:
		return true
	default:
		return false
	}
}

// IsFinal checks if the status is a final status (can't be changed).
func (s Status) IsFinal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusErrored:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the status carries error details.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusErrored
}

// ParseStatus accepts any casing, e.g. "PASSED" or "passed".
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidOutcome, s)
	}
	return st, nil
}

// Identity is the stable key of a test case across runs.
type Identity struct {
	Module   string `json:"module"`
	TestName string `json:"test_name"`
}

// String renders the identity as a node id, e.g. "tests/test_buy_gold.py::test_happy".
func (id Identity) String() string {
	return id.Module + "::" + id.TestName
}

// Validate checks both parts are present.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Module) == "" || strings.TrimSpace(id.TestName) == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// ParseIdentity splits a node id on its first "::".
// Parametrised names keep their brackets: "m.py::test_x[grams]" -> {m.py, test_x[grams]}.
func ParseIdentity(nodeID string) (Identity, error) {
	module, test, ok := strings.Cut(nodeID, "::")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q has no '::' separator", ErrInvalidIdentity, nodeID)
	}
	id := Identity{Module: module, TestName: test}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %q", err, nodeID)
	}
	return id, nil
}

// Record is one test execution's outcome. Records are never edited after they are built.
type Record struct {
	RunID           string            `json:"run_id"`
	NodeID          string            `json:"nodeid"`
	Module          string            `json:"module"`
	TestName        string            `json:"test_name"`
	Status          Status            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	DurationSeconds float64           `json:"duration_seconds"`
	RecordedAt      time.Time         `json:"recorded_at"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorTrace      string            `json:"error_trace,omitempty"`
	Environment     map[string]string `json:"environment"`
}

// Identity returns the record's test identity.
func (r *Record) Identity() Identity {
	return Identity{Module: r.Module, TestName: r.TestName}
}

// Duration returns finished_at - started_at.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// PersistenceError reports that a reporting sink could not write to its storage.
type PersistenceError struct {
	Sink string
	Key  string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s sink: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("%s sink: %s: %v", e.Sink, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
