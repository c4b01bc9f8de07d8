package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"scenarioharness/internal/config"
	"scenarioharness/internal/export"
)

var (
	outCSV string
	outDB  string
)

var exportCSVCmd = &cobra.Command{
	Use:   "export-csv",
	Short: "Merge the attempt and label logs and export a CSV",
	Long: `Joins the latest label of every attempt onto the attempt log and writes one
row per attempt, ordered by (run_id, scenario_id, frame_id, attempt_index).
Attempts without a label have empty label columns and missing_label=true.
Exporting the same logs twice produces byte-identical files.`,
	RunE: exportCSV,
}

var exportSQLiteCmd = &cobra.Command{
	Use:   "export-sqlite",
	Short: "Merge the attempt and label logs into an SQLite attempts table",
	RunE:  exportSQLite,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count attempts by status, final label and resolution reason",
	RunE:  showSummary,
}

func init() {
	exportCSVCmd.Flags().StringVar(&outCSV, "out-csv", "", "Output CSV path (default: <output_dir>/<run_id>/attempts.csv)")
	exportSQLiteCmd.Flags().StringVar(&outDB, "out-db", "", "Output database path (default: <output_dir>/<run_id>/attempts.db)")
}

// mergeRun loads the config and merges the logs of the selected run.
func mergeRun() (*config.Config, string, []export.Row, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", nil, err
	}
	runID, err := resolveRunID(cfg)
	if err != nil {
		return nil, "", nil, err
	}
	if err := initLogging(cfg); err != nil {
		return nil, "", nil, err
	}
	rows, err := export.MergeFiles(cfg.Run.RawLogPath(runID), cfg.Run.LabelsLogPath(runID))
	if err != nil {
		return nil, "", nil, err
	}
	return cfg, runID, rows, nil
}

func exportCSV(cmd *cobra.Command, args []string) error {
	cfg, runID, rows, err := mergeRun()
	if err != nil {
		return err
	}
	path := outCSV
	if path == "" {
		path = cfg.Run.CSVPath(runID)
	}
	if err := export.WriteCSVFile(path, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote_csv=%s\n", path)
	return nil
}

func exportSQLite(cmd *cobra.Command, args []string) error {
	cfg, runID, rows, err := mergeRun()
	if err != nil {
		return err
	}
	path := outDB
	if path == "" {
		path = cfg.Run.SQLitePath(runID)
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := export.WriteSQLite(ctx, path, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote_sqlite=%s\n", path)
	return nil
}

func showSummary(cmd *cobra.Command, args []string) error {
	cfg, runID, rows, err := mergeRun()
	if err != nil {
		return err
	}
	s := export.Summarize(runID, rows)
	path := cfg.Run.SummaryPath(runID)
	if err := export.WriteSummaryFile(path, s); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), s)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote_summary=%s\n", path)
	return nil
}

func printSummary(out io.Writer, s export.Summary) {
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(out, "Run %s: %d attempts\n", s.RunID, s.Total)

	section := func(title string, counts map[string]int) {
		header.Fprintf(out, "%s\n", title)
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %-22s %d\n", k, counts[k])
		}
	}
	section("status", s.ByStatus)
	section("final_label", s.ByFinalLabel)
	section("resolution_reason", s.ByReason)

	review := color.New(color.FgGreen)
	if s.NeedsReview > 0 {
		review = color.New(color.FgYellow)
	}
	review.Fprintf(out, "needs_review=%d\n", s.NeedsReview)
	missing := color.New(color.FgGreen)
	if s.MissingLabel > 0 {
		missing = color.New(color.FgRed)
	}
	missing.Fprintf(out, "missing_label=%d\n", s.MissingLabel)
}
