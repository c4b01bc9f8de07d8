package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scenarioharness/internal/config"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/matrix"
	"scenarioharness/internal/runner"
)

var (
	suiteName  string
	replicates int
)

// runCmd executes the scenario × frame matrix
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scenario × frame matrix and write the attempt and label logs",
	Long: `Expands the suite into attempts (scenario × frame × model × temperature ×
replicate), invokes the provider for each one and labels every completed
response.

Rerunning with the same run id (run.run_id or --run-id, with run.resume set)
skips attempts that already completed and retries the rest. Ctrl-C stops
scheduling; attempts already in flight are finished and recorded.`,
	RunE: runExperiment,
}

func init() {
	runCmd.Flags().StringVar(&suiteName, "suite", "", "Suite name from config suites (default: first suite)")
	runCmd.Flags().IntVar(&replicates, "replicates", 0, "Replicates per (scenario, frame, model, temperature) (default: suite setting)")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	suite, err := cfg.Suite(suiteName)
	if err != nil {
		return err
	}
	reps := suite.Replicates
	if replicates != 0 {
		if replicates < 1 {
			return &config.ConfigError{Field: "--replicates", Err: fmt.Errorf("must be >= 1, got %d", replicates)}
		}
		reps = replicates
	}
	if err := cfg.RequireCredentials(suite); err != nil {
		return err
	}

	scenarios, err := config.LoadScenarios(cfg.Inputs.ScenariosPath)
	if err != nil {
		return err
	}
	frames, err := config.LoadFrames(cfg.Inputs.FramesPath)
	if err != nil {
		return err
	}

	runID := runIDFlag
	if runID == "" {
		runID = matrix.ResolveRunID(cfg.Run.RunID)
	}
	if err := checkResume(cfg, runID); err != nil {
		return err
	}

	specs, err := matrix.Plan(runID, suite, cfg.GenerationDefaults, scenarios, frames, reps)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	version := codeVersion()
	rc, err := runner.Open(ctx, cfg, suite, runner.Options{RunID: runID, Replicates: reps, CodeVersion: version})
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := initLogging(cfg); err != nil {
		return err
	}
	logger.Info("Starting run",
		zap.String("run_id", runID),
		zap.String("suite", suite.Name),
		zap.Int("scenarios", len(scenarios)),
		zap.Int("frames", len(frames)),
		zap.Int("attempts", len(specs)),
	)
	if err := rc.OpenLogs(); err != nil {
		return err
	}
	if version == "" {
		logging.BootWarn("Build revision unknown; run_meta.code_version is left empty")
	}
	logging.Run("Opened run %s suite=%s provider=%s judge=%s replicates=%d", runID, suite.Name, suite.Provider, rc.JudgeKey, reps)

	stats, err := rc.Run(ctx, specs)
	printRunStats(cmd, runID, cfg.Run.RunDir(runID), stats)
	if errors.Is(err, context.Canceled) {
		logging.RunWarn("Run %s interrupted after completed=%d failed=%d", runID, stats.Completed, stats.Failed)
		return fmt.Errorf("run interrupted; rerun with --run-id %s to resume: %w", runID, err)
	}
	return err
}

// checkResume refuses to reuse a run directory that already has attempts
// unless run.resume is set.
func checkResume(cfg *config.Config, runID string) error {
	info, err := os.Stat(cfg.Run.RawLogPath(runID))
	if err != nil || info.Size() == 0 || cfg.Run.Resume {
		return nil
	}
	return &config.ConfigError{
		Field: "run.resume",
		Err:   fmt.Errorf("run %s already has attempts; set run.resume: true to continue it", runID),
	}
}

func printRunStats(cmd *cobra.Command, runID, dir string, s runner.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run_id=%s\n", runID)
	fmt.Fprintf(out, "outputs_dir=%s\n", dir)
	fmt.Fprintf(out, "planned=%d skipped=%d ", s.Planned, s.Skipped)
	color.New(color.FgGreen).Fprintf(out, "completed=%d ", s.Completed)
	if s.Failed > 0 {
		color.New(color.FgRed).Fprintf(out, "failed=%d ", s.Failed)
	} else {
		fmt.Fprintf(out, "failed=0 ")
	}
	fmt.Fprintf(out, "labeled=%d backfilled=%d\n", s.Labeled, s.Backfilled)
}
