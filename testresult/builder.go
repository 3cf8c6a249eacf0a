package testresult

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultFailureMessage is used when a failing outcome carries no error text.
const DefaultFailureMessage = "test failed"

// RawOutcome is a test-finished event as reported by the test engine.
//
// Status may be left empty when Phases is set; the status is then resolved from the phase
// reports. Zero timestamps are filled in by the Builder.
type RawOutcome struct {
	Identity     Identity
	Status       Status
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	ErrorMessage string
	ErrorTrace   string
	Environment  map[string]string
	Phases       *Phases
}

// Builder normalizes raw outcomes into records.
type Builder struct {
	now         func() time.Time
	environment map[string]string
}

// NewBuilder creates a Builder. now supplies recorded_at and missing timestamps; env holds
// session-level defaults that individual outcomes may override.
func NewBuilder(now func() time.Time, env map[string]string) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		now:         now,
		environment: copyEnv(env, nil),
	}
}

// Build validates raw and returns a new record for runID. Errors wrap ErrInvalidOutcome.
func (b *Builder) Build(runID string, raw RawOutcome) (*Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrInvalidOutcome)
	}
	if err := raw.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutcome, err)
	}

	status := raw.Status
	duration := raw.Duration
	errText := raw.ErrorMessage
	if raw.Phases != nil {
		resolved, phaseDuration, phaseErr := raw.Phases.Resolve()
		if status == "" {
			status = resolved
		}
		if duration == 0 {
			duration = phaseDuration
		}
		if errText == "" {
			errText = phaseErr
		}
	}

	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q for %s", ErrInvalidOutcome, status, raw.Identity)
	}
	if !status.IsFinal() {
		return nil, fmt.Errorf("%w: status %q is not terminal for %s", ErrInvalidOutcome, status, raw.Identity)
	}
	if duration < 0 {
		return nil, fmt.Errorf("%w: negative duration for %s", ErrInvalidOutcome, raw.Identity)
	}

	recordedAt := b.now()
	finishedAt := raw.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = recordedAt
	}
	startedAt := raw.StartedAt
	if startedAt.IsZero() {
		startedAt = finishedAt.Add(-duration)
	}
	if finishedAt.Before(startedAt) {
		return nil, fmt.Errorf("%w: finished_at %s is before started_at %s for %s",
			ErrInvalidOutcome, finishedAt.Format(time.RFC3339Nano), startedAt.Format(time.RFC3339Nano), raw.Identity)
	}

	rec := &Record{
		RunID:           runID,
		NodeID:          raw.Identity.String(),
		Module:          raw.Identity.Module,
		TestName:        raw.Identity.TestName,
		Status:          status,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		DurationSeconds: roundSeconds(finishedAt.Sub(startedAt)),
		RecordedAt:      recordedAt,
		Environment:     copyEnv(b.environment, raw.Environment),
	}

	if status.IsFailure() {
		rec.ErrorMessage = strings.TrimSpace(errText)
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = DefaultFailureMessage
		}
		rec.ErrorTrace = raw.ErrorTrace
		if rec.ErrorTrace == "" {
			rec.ErrorTrace = rec.ErrorMessage
		}
	}

	return rec, nil
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e6) / 1e6
}

func copyEnv(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
