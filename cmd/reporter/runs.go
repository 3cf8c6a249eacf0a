package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/reporting"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect per-run reports",
	}

	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsShowCmd())
	cmd.AddCommand(newRunsDeleteCmd())
	return cmd
}

// runSummaryRow is the JSON shape of runs list.
type runSummaryRow struct {
	RunID      string                    `json:"run_id"`
	StartedAt  string                    `json:"started_at"`
	Seconds    float64                   `json:"duration_seconds"`
	Total      int                       `json:"total"`
	Counts     map[testresult.Status]int `json:"counts"`
	ExitStatus int                       `json:"exit_status"`
}

func loadRun(ctx context.Context, store storage.BlobStorage, runID string) (*aggregate.RunSummary, error) {
	data, err := storage.ReadAll(ctx, store, reporting.RunKey(runID))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return aggregate.Decode(data)
}

// runIDs lists run ids newest first.
func runIDs(ctx context.Context, store storage.BlobStorage) ([]string, error) {
	keys, err := store.List(ctx, reporting.RunsDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, reporting.RunsDir+"/")
		if !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "run_"), ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func newRunsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			ids, err := runIDs(ctx, a.store)
			if err != nil {
				return err
			}
			total := len(ids)
			if limit > 0 && len(ids) > limit {
				ids = ids[:limit]
			}

			var summaries []runSummaryRow
			var rows [][]string
			for _, id := range ids {
				s, err := loadRun(ctx, a.store, id)
				if err != nil {
					printWarning(err.Error())
					continue
				}
				summaries = append(summaries, runSummaryRow{
					RunID:      s.RunID,
					StartedAt:  s.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
					Seconds:    s.Duration().Seconds(),
					Total:      s.Total,
					Counts:     s.Counts,
					ExitStatus: s.ExitStatus,
				})
				rows = append(rows, []string{
					s.RunID,
					formatWhen(s.StartedAt),
					formatSeconds(s.Duration().Seconds()),
					formatCount(s.Total),
					formatCount(s.Counts[testresult.StatusPassed]),
					formatCount(s.Counts[testresult.StatusFailed] + s.Counts[testresult.StatusErrored]),
					formatCount(s.Counts[testresult.StatusSkipped]),
					fmt.Sprintf("%d", s.ExitStatus),
				})
			}

			if flagJSON {
				printJSON(summaries)
				return nil
			}

			printTable([]string{"RUN ID", "STARTED", "DURATION", "TOTAL", "PASSED", "FAILED", "SKIPPED", "EXIT"}, rows)
			printMessage(fmt.Sprintf("\nShowing %d of %d runs", len(rows), total))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs (0 for all)")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			s, err := loadRun(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			if err := s.Verify(); err != nil {
				printWarning(err.Error())
			}

			if flagJSON {
				printJSON(s)
				return nil
			}

			printMessage(fmt.Sprintf("Run:      %s", s.RunID))
			printMessage(fmt.Sprintf("Started:  %s", formatWhen(s.StartedAt)))
			printMessage(fmt.Sprintf("Duration: %s", formatSeconds(s.Duration().Seconds())))
			printMessage(fmt.Sprintf("Exit:     %d", s.ExitStatus))
			for _, st := range testresult.TerminalStatuses {
				printMessage(fmt.Sprintf("%-9s %s (%s)", statusLabel(st)+":", formatCount(s.Counts[st]), formatRate(s.Counts[st], s.Total)))
			}
			if url, err := a.store.GetURL(ctx, reporting.RunKey(s.RunID)); err == nil {
				printMessage("Report:   " + url)
			}
			printMessage("")

			records := s.Records
			if failedOnly {
				records = records[:0:0]
				for _, r := range s.Records {
					if r.Status.IsFailure() {
						records = append(records, r)
					}
				}
			}
			printTable(recordHeaders, recordRows(records))
			return nil
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed and errored tests")
	return cmd
}

func newRunsDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete one run report (histories are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			if !confirmAction(fmt.Sprintf("Delete run report %s?", args[0]), yes) {
				printMessage("Aborted")
				return nil
			}

			if err := a.store.Delete(cmd.Context(), reporting.RunKey(args[0])); err != nil {
				return fmt.Errorf("failed to delete run %s: %w", args[0], err)
			}
			printMessage("Deleted run report " + args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func statusLabel(s testresult.Status) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}
