package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"scenarioharness/internal/config"
	"scenarioharness/internal/judge"
	"scenarioharness/internal/rejudge"
	"scenarioharness/internal/runner"
)

var (
	sampleN      int
	sampleSeed   uint64
	judgeTemps   string
	judgeName    string
	outSweepPath string
)

var rejudgeCmd = &cobra.Command{
	Use:   "rejudge-sample",
	Short: "Re-run the blind judge on a random sample of completed attempts",
	Long: `Samples completed attempts of an existing run with a seeded RNG and judges
each one at every listed temperature. Results are appended to a separate
sweep log; the attempt and label logs are never modified.`,
	RunE: rejudgeSample,
}

func init() {
	rejudgeCmd.Flags().IntVar(&sampleN, "n", 20, "Number of attempts to sample")
	rejudgeCmd.Flags().Uint64Var(&sampleSeed, "seed", 0, "RNG seed for reproducible sampling")
	rejudgeCmd.Flags().StringVar(&judgeTemps, "judge-temperatures", "0,0.2,0.7", "Comma-separated judge temperatures")
	rejudgeCmd.Flags().StringVar(&judgeName, "judge", "", "Judge name from config judges (default: judge of the first suite)")
	rejudgeCmd.Flags().StringVar(&outSweepPath, "out", "", "Output JSONL path (default: <output_dir>/<run_id>/judge_sweep.jsonl)")
}

func rejudgeSample(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID, err := resolveRunID(cfg)
	if err != nil {
		return err
	}
	temps, err := rejudge.ParseTemperatures(judgeTemps)
	if err != nil {
		return &config.ConfigError{Field: "--judge-temperatures", Err: err}
	}
	if sampleN < 1 {
		return &config.ConfigError{Field: "--n", Err: fmt.Errorf("must be >= 1, got %d", sampleN)}
	}

	jc, err := selectJudge(cfg)
	if err != nil {
		return err
	}
	if err := cfg.RequireCredential(jc.Provider); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	adapter, err := runner.OpenJudge(ctx, cfg, jc, nil)
	if err != nil {
		return err
	}
	rubric, err := judge.LoadRubric(jc.RubricPath)
	if err != nil {
		return &config.ConfigError{Field: "judges.rubric_path", Err: err}
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	out := outSweepPath
	if out == "" {
		out = cfg.Run.JudgeSweepPath(runID)
	}
	sweep := &rejudge.Sweep{
		RunID:        runID,
		RawPath:      cfg.Run.RawLogPath(runID),
		OutPath:      out,
		N:            sampleN,
		Seed:         sampleSeed,
		Temperatures: temps,
		Judge:        adapter,
		JudgeConfig:  jc,
		RubricHash:   judge.RubricHash(rubric),
	}
	report, err := sweep.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sweep_id=%s sampled=%d results=%d\n", report.SweepID, report.Sampled, report.Results)
	fmt.Fprintf(cmd.OutOrStdout(), "judge_sweep_jsonl=%s\n", report.OutPath)
	return nil
}

// selectJudge returns --judge, or the enabled judge of the first suite.
func selectJudge(cfg *config.Config) (config.JudgeConfig, error) {
	if judgeName != "" {
		jc, ok := cfg.Judges[judgeName]
		if !ok {
			return config.JudgeConfig{}, &config.ConfigError{Field: "--judge", Err: fmt.Errorf("unknown judge %s", judgeName)}
		}
		return jc, nil
	}
	suite, err := cfg.Suite("")
	if err != nil {
		return config.JudgeConfig{}, err
	}
	jc, ok := cfg.SuiteJudge(suite)
	if !ok {
		return config.JudgeConfig{}, &config.ConfigError{Field: "judges", Err: errors.New("no enabled judge; pass --judge")}
	}
	return jc, nil
}
