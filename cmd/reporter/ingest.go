package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hairizuan-noorazman/buygold-e2e/ingest"
	"github.com/hairizuan-noorazman/buygold-e2e/reporting"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

func newIngestCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Record a JSON-lines stream of test engine events",
		Long: "Reads session_start, test_finished and session_end events, one JSON object per line, " +
			"from a file or stdin and records them. Sink failures are printed as warnings; only " +
			"malformed input and protocol errors fail the command.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open events: %w", err)
				}
				defer f.Close()
				in = f
			}

			if !cmd.Flags().Changed("workers") {
				workers = a.cfg.Ingest.Workers
			}

			coord, closeFn, err := a.coordinator()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := ingest.NewRunner(coord, a.log, workers, ingest.WithSessionEnvironment(a.cfg.SessionEnvironment())).Run(ctx, in)
			if res != nil && res.SinkFailures > 0 {
				printWarning(fmt.Sprintf("%d reporting write(s) failed; see log output", res.SinkFailures))
			}
			if err != nil {
				return err
			}

			if flagJSON {
				printJSON(res.Summary)
				return nil
			}

			s := res.Summary
			printTable([]string{"RUN ID", "TOTAL", "PASSED", "FAILED", "SKIPPED", "ERRORED", "DURATION", "EXIT"}, [][]string{{
				s.RunID,
				formatCount(s.Total),
				formatCount(s.Counts[testresult.StatusPassed]),
				formatCount(s.Counts[testresult.StatusFailed]),
				formatCount(s.Counts[testresult.StatusSkipped]),
				formatCount(s.Counts[testresult.StatusErrored]),
				formatSeconds(s.Duration().Seconds()),
				fmt.Sprintf("%d", s.ExitStatus),
			}})
			if url, err := a.store.GetURL(ctx, reporting.RunKey(s.RunID)); err == nil {
				printMessage("\nReport: " + url)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "Parallel test_finished deliveries (default from ingest.workers)")
	return cmd
}
