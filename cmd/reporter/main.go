package main

import (
	"fmt"
	"os"
	"runtime"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	flagConfig  string
	flagEnvFile string
	flagJSON    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reporter",
		Short: "Test result reporting for the buy-gold e2e suite",
		Long: "Records test engine events into per-run reports, per-test histories and a global " +
			"history log, and inspects what was recorded.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ./reporter.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Dotenv file with BASE_URL, HEADLESS, SLOW_MO_MS, TIMEOUT_MS")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reporter %s (commit: %s, built: %s, %s)\n", Version, Commit, BuildDate, runtime.Version())
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newTestsCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newIndexCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
