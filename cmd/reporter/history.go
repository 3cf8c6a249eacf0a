package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hairizuan-noorazman/buygold-e2e/history"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the global history log",
	}

	cmd.AddCommand(newHistoryShowCmd())
	cmd.AddCommand(newHistoryTailCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var runID string
	var limit int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print history log records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			records, err := a.history().ReadAll(cmd.Context())
			if err != nil {
				return err
			}
			if runID != "" {
				filtered := records[:0:0]
				for _, r := range records {
					if r.RunID == runID {
						filtered = append(filtered, r)
					}
				}
				records = filtered
			}
			total := len(records)
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}

			if flagJSON {
				printJSON(records)
				return nil
			}

			printTable(recordHeaders, recordRows(records))
			printMessage(fmt.Sprintf("\nShowing %d of %d records", len(records), total))
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Only show records of this run")
	cmd.Flags().IntVar(&limit, "limit", 50, "Only show the last N records (0 for all)")
	return cmd
}

func newHistoryTailCmd() *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the last records of the history log, optionally following new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			var local *storage.LocalStorage
			if follow {
				var ok bool
				if local, ok = a.store.(*storage.LocalStorage); !ok {
					return fmt.Errorf("--follow requires local storage, got %q", a.cfg.Storage.Type)
				}
			}

			// Read the log once so following resumes exactly after what was printed.
			data, err := storage.ReadAll(cmd.Context(), a.store, history.DefaultKey)
			if err != nil && !errors.Is(err, storage.ErrFileNotFound) {
				return err
			}
			records, skipped, err := history.Decode(data)
			if err != nil {
				return err
			}
			if len(skipped) > 0 {
				printWarning(fmt.Sprintf("skipped %d malformed history lines", len(skipped)))
			}
			if lines >= 0 && len(records) > lines {
				records = records[len(records)-lines:]
			}
			for _, r := range records {
				printRecordLine(r)
			}

			if !follow {
				return nil
			}

			follower := history.NewFollowerAt(filepath.Join(local.BaseDir(), history.DefaultKey), history.CompleteLength(data))
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return follower.Follow(ctx, printRecordLine)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing records as they are appended")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of existing records to print")
	return cmd
}

func printRecordLine(r testresult.Record) {
	if flagJSON {
		printJSON(r)
		return
	}
	line := fmt.Sprintf("%s  %-8s %s  %s  %s", r.FinishedAt.Format("2006-01-02 15:04:05"),
		statusLabel(r.Status), formatSeconds(r.DurationSeconds), r.NodeID, r.RunID)
	if r.ErrorMessage != "" {
		line += "  " + truncate(r.ErrorMessage, 80)
	}
	printMessage(line)
}
