package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

func newTestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tests",
		Short: "Inspect per-test cumulative histories",
	}

	cmd.AddCommand(newTestsListCmd())
	cmd.AddCommand(newTestsShowCmd())
	return cmd
}

// testSummary is the JSON shape of tests list.
type testSummary struct {
	NodeID     string            `json:"nodeid"`
	Runs       int               `json:"runs"`
	Passed     int               `json:"passed"`
	LastStatus testresult.Status `json:"last_status"`
	LastRunID  string            `json:"last_run_id"`
}

func newTestsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every test with a history and its latest outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			writer := a.cumulative()

			ids, err := writer.Identities(ctx)
			if err != nil {
				return err
			}

			summaries := make([]testSummary, 0, len(ids))
			var rows [][]string
			for _, id := range ids {
				records, err := writer.History(ctx, id)
				if err != nil {
					printWarning(err.Error())
					continue
				}
				if len(records) == 0 {
					continue
				}
				last := records[len(records)-1]
				passed := 0
				for _, r := range records {
					if r.Status == testresult.StatusPassed {
						passed++
					}
				}
				summaries = append(summaries, testSummary{
					NodeID:     id.String(),
					Runs:       len(records),
					Passed:     passed,
					LastStatus: last.Status,
					LastRunID:  last.RunID,
				})
				rows = append(rows, []string{
					id.String(),
					formatCount(len(records)),
					formatRate(passed, len(records)),
					statusLabel(last.Status),
					formatWhen(last.FinishedAt),
				})
			}

			if flagJSON {
				printJSON(summaries)
				return nil
			}

			printTable([]string{"NODE ID", "RUNS", "PASS RATE", "LAST STATUS", "LAST RUN"}, rows)
			printMessage(fmt.Sprintf("\n%d tests", len(rows)))
			return nil
		},
	}
}

func newTestsShowCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show <module::test_name>",
		Short: "Show the cumulative history of one test, newest last",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := testresult.ParseIdentity(args[0])
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}

			records, err := a.cumulative().History(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no history for %s", id)
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}

			if flagJSON {
				printJSON(records)
				return nil
			}

			printTable(recordHeaders, recordRows(records))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Only show the last N executions")
	return cmd
}
