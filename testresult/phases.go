package testresult

import "time"

// PhaseOutcome is the result of a single setup/call/teardown phase.
type PhaseOutcome string

const (
	PhasePassed  PhaseOutcome = "passed"
	PhaseFailed  PhaseOutcome = "failed"
	PhaseSkipped PhaseOutcome = "skipped"
)

// PhaseReport describes one phase of a test execution.
type PhaseReport struct {
	Outcome  PhaseOutcome
	Duration time.Duration
	Error    string
}

// Phases groups the per-phase reports of one test. Missing phases are nil.
type Phases struct {
	Setup    *PhaseReport
	Call     *PhaseReport
	Teardown *PhaseReport
}

// Resolve folds the phases into a final status, total duration and error text.
//
// Precedence: setup failed (errored) > call failed (failed) > teardown failed (errored) >
// setup or call skipped (skipped) > passed. Error text is taken from the call phase first,
// then setup, then teardown.
func (p Phases) Resolve() (Status, time.Duration, string) {
	status := StatusPassed
	switch {
	case p.Setup.outcome() == PhaseFailed:
		status = StatusErrored
	case p.Call.outcome() == PhaseFailed:
		status = StatusFailed
	case p.Teardown.outcome() == PhaseFailed:
		status = StatusErrored
	case p.Setup.outcome() == PhaseSkipped, p.Call.outcome() == PhaseSkipped:
		status = StatusSkipped
	}

	var total time.Duration
	for _, r := range []*PhaseReport{p.Setup, p.Call, p.Teardown} {
		if r != nil {
			total += r.Duration
		}
	}

	var errText string
	if status.IsFailure() {
		for _, r := range []*PhaseReport{p.Call, p.Setup, p.Teardown} {
			if r.outcome() == PhaseFailed {
				errText = r.Error
				break
			}
		}
	}

	return status, total, errText
}

func (r *PhaseReport) outcome() PhaseOutcome {
	if r == nil {
		return ""
	}
	return r.Outcome
}
