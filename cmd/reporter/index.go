package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the SQL result index",
	}

	cmd.AddCommand(newIndexRebuildCmd())
	cmd.AddCommand(newIndexFlakyCmd())
	return cmd
}

func newIndexRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recreate the index from the global history log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			records, err := a.history().ReadAll(ctx)
			if err != nil {
				return err
			}

			idx, closeFn, err := a.openIndex()
			defer closeFn()
			if err != nil {
				return err
			}

			n, err := idx.Rebuild(ctx, records)
			if err != nil {
				return err
			}
			printMessage(fmt.Sprintf("Indexed %s records", formatCount(n)))
			return nil
		},
	}
}

func newIndexFlakyCmd() *cobra.Command {
	var minRuns, limit int

	cmd := &cobra.Command{
		Use:   "flaky",
		Short: "List tests that both passed and failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			idx, closeFn, err := a.openIndex()
			defer closeFn()
			if err != nil {
				return err
			}

			flaky, err := idx.Flaky(cmd.Context(), minRuns, limit)
			if err != nil {
				return err
			}

			if flagJSON {
				printJSON(flaky)
				return nil
			}

			var rows [][]string
			for _, f := range flaky {
				rows = append(rows, []string{
					f.NodeID,
					formatCount(f.Runs),
					formatCount(f.Passed),
					formatCount(f.Failed),
					formatRate(f.Failed, f.Runs),
					formatWhen(f.LastSeen),
				})
			}
			printTable([]string{"NODE ID", "RUNS", "PASSED", "FAILED", "FAILURE RATE", "LAST SEEN"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&minRuns, "min-runs", 3, "Only consider tests with at least this many results")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tests (0 for all)")
	return cmd
}
