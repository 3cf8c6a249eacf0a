package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/reporting"
)

const maxEventSize = 4 * 1024 * 1024

// ErrIncompleteSession is returned when the stream ends before session_end. Records already
// delivered stay valid; no run report exists for the session.
var ErrIncompleteSession = errors.New("event stream ended before session_end")

// Result describes one replayed stream.
type Result struct {
	RunID        string
	Tests        int
	SinkFailures int
	Summary      *aggregate.RunSummary
}

// Runner feeds events into a sink. test_finished events are delivered by up to Workers
// goroutines; session_end waits for all of them.
type Runner struct {
	sink        reporting.EventSink
	logger      logger.Logger
	workers     int
	environment map[string]string
}

// Option configures a Runner.
type Option func(*Runner)

// WithSessionEnvironment sets environment defaults for session_start. Keys sent by the
// event override them.
func WithSessionEnvironment(env map[string]string) Option {
	return func(r *Runner) {
		r.environment = env
	}
}

// NewRunner creates a Runner. workers below 1 means sequential delivery.
func NewRunner(sink reporting.EventSink, log logger.Logger, workers int, opts ...Option) *Runner {
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		sink:    sink,
		logger:  log,
		workers: workers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) sessionStart(ev *Event) reporting.SessionStart {
	start := ev.SessionStart()
	if len(r.environment) == 0 {
		return start
	}
	env := make(map[string]string, len(r.environment)+len(start.Environment))
	for k, v := range r.environment {
		env[k] = v
	}
	for k, v := range start.Environment {
		env[k] = v
	}
	start.Environment = env
	return start
}

// Run reads events from in until EOF. Malformed lines, invalid outcomes and protocol
// violations stop the run with an error; sink failures are counted and logged only.
func (r *Runner) Run(ctx context.Context, in io.Reader) (*Result, error) {
	res := &Result{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	ended := false
	lineNo := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// gctx is cancelled once session_end has waited on the group; later events still
		// reach the sink so it can reject them.
		if !ended && gctx.Err() != nil {
			break
		}

		ev, err := ParseLine(line)
		if err != nil {
			return r.abort(g, res, fmt.Errorf("line %d: %w", lineNo, err))
		}

		switch ev.Event {
		case KindSessionStart:
			runID, err := r.sink.OnSessionStart(gctx, r.sessionStart(ev))
			if err != nil {
				return r.abort(g, res, fmt.Errorf("line %d: %w", lineNo, err))
			}
			res.RunID = runID

		case KindTestFinished:
			raw, err := ev.TestFinished()
			if err != nil {
				return r.abort(g, res, fmt.Errorf("line %d: %w", lineNo, err))
			}
			n := lineNo
			g.Go(func() error {
				_, err := r.sink.OnTestFinished(gctx, raw)
				mu.Lock()
				defer mu.Unlock()
				var sinkErr *reporting.SinkErrors
				switch {
				case errors.As(err, &sinkErr):
					res.Tests++
					res.SinkFailures += len(sinkErr.Errs)
					return nil
				case err != nil:
					return fmt.Errorf("line %d: %w", n, err)
				}
				res.Tests++
				return nil
			})

		case KindSessionEnd:
			if err := g.Wait(); err != nil {
				return res, err
			}
			summary, err := r.sink.OnSessionEnd(ctx, ev.SessionEnd())
			var sinkErr *reporting.SinkErrors
			if errors.As(err, &sinkErr) {
				res.SinkFailures += len(sinkErr.Errs)
			} else if err != nil {
				return res, fmt.Errorf("line %d: %w", lineNo, err)
			}
			res.Summary = summary
			ended = true
		}
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read events: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if !ended {
		r.logger.Warn(ctx, "event stream ended without session_end", map[string]interface{}{
			"run_id": res.RunID,
			"tests":  res.Tests,
		})
		return res, ErrIncompleteSession
	}

	r.logger.Info(ctx, "event stream ingested", map[string]interface{}{
		"run_id":        res.RunID,
		"tests":         res.Tests,
		"sink_failures": res.SinkFailures,
	})
	return res, nil
}

// abort waits for in-flight deliveries and returns err.
func (r *Runner) abort(g *errgroup.Group, res *Result, err error) (*Result, error) {
	if werr := g.Wait(); werr != nil {
		return res, errors.Join(err, werr)
	}
	return res, err
}
