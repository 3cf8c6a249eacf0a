package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

func printMessage(msg string) {
	fmt.Println(msg)
}

func printWarning(msg string) {
	fmt.Fprintln(os.Stderr, "Warning: "+msg)
}

func confirmAction(prompt string, skipConfirm bool) bool {
	if skipConfirm {
		return true
	}

	fmt.Printf("%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

// formatWhen renders a timestamp with its age, e.g. "2026-02-16 00:49:11 (3 hours ago)".
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04:05"), humanize.Time(t))
}

func formatSeconds(s float64) string {
	return humanize.FtoaWithDigits(s, 3) + "s"
}

func formatCount(n int) string {
	return humanize.Comma(int64(n))
}

func formatRate(part, total int) string {
	if total == 0 {
		return "-"
	}
	return humanize.FtoaWithDigits(100*float64(part)/float64(total), 1) + "%"
}

// truncate shortens s to at most n runes, ending with "..." when cut.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

func recordRows(records []testresult.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.RunID,
			r.NodeID,
			strings.ToUpper(string(r.Status)),
			formatSeconds(r.DurationSeconds),
			r.FinishedAt.Format("2006-01-02 15:04:05"),
			truncate(r.ErrorMessage, 60),
		})
	}
	return rows
}

var recordHeaders = []string{"RUN ID", "NODE ID", "STATUS", "DURATION", "FINISHED AT", "ERROR"}
