package runner

import (
	"context"
	"errors"
	"fmt"

	"scenarioharness/internal/config"
	"scenarioharness/internal/heuristic"
	"scenarioharness/internal/invoker"
	"scenarioharness/internal/judge"
	"scenarioharness/internal/resolve"
	"scenarioharness/internal/retry"
	"scenarioharness/internal/store"
	"scenarioharness/internal/types"
	"scenarioharness/internal/usage"
)

// Options are the per-invocation inputs that do not live in the config file.
type Options struct {
	RunID       string
	Replicates  int
	CodeVersion string
}

// Open builds the RunContext for one suite: it wires the invoker, judge and
// heuristic classifier from cfg. It touches no files; call OpenLogs before
// Run. Credentials must already have been checked.
func Open(ctx context.Context, cfg *config.Config, suite config.SuiteConfig, opts Options) (*RunContext, error) {
	provider, ok := cfg.Providers[suite.Provider]
	if !ok {
		return nil, &config.ConfigError{Field: "suites", Err: fmt.Errorf("suite %s: unknown provider %s", suite.Name, suite.Provider)}
	}

	classifier, err := heuristic.New(cfg.Heuristics)
	if err != nil {
		return nil, &config.ConfigError{Field: "heuristics", Err: err}
	}

	transport, err := invoker.NewTransport(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s invoker: %w", suite.Provider, err)
	}

	tracker, err := usage.NewTracker(cfg.Run.UsagePath(opts.RunID), opts.RunID)
	if err != nil {
		return nil, err
	}

	rc := &RunContext{
		RunID:       opts.RunID,
		runCfg:      cfg.Run,
		SuiteName:   suite.Name,
		ProviderKey: suite.Provider,
		ConfigPath:  cfg.Path,
		CodeVersion: opts.CodeVersion,
		Replicates:  opts.Replicates,
		Invoker:     usage.Meter(transport, tracker, usage.OpAttempt),
		Policy:      retry.FromConfig(provider.Retries),
		Usage:       tracker,
		Classifier:  classifier,
		Concurrency: provider.Concurrency,
	}

	threshold := config.DefaultConfidenceThreshold
	if jc, ok := cfg.SuiteJudge(suite); ok {
		adapter, err := OpenJudge(ctx, cfg, jc, tracker)
		if err != nil {
			return nil, err
		}
		rc.Judge = adapter
		rc.JudgeKey = suite.Judge
		threshold = jc.Threshold()
	}
	rc.threshold = threshold
	return rc, nil
}

// OpenJudge builds the judge adapter for jc with its own bare transport and
// the retry policy of the judge's provider. Judge calls are metered into
// tracker when it is not nil.
func OpenJudge(ctx context.Context, cfg *config.Config, jc config.JudgeConfig, tracker *usage.Tracker) (*judge.Adapter, error) {
	provider, ok := cfg.Providers[jc.Provider]
	if !ok {
		return nil, &config.ConfigError{Field: "judges", Err: fmt.Errorf("unknown judge provider %s", jc.Provider)}
	}
	rubric, err := judge.LoadRubric(jc.RubricPath)
	if err != nil {
		return nil, &config.ConfigError{Field: "judges.rubric_path", Err: err}
	}
	transport, err := invoker.NewTransport(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create judge invoker: %w", err)
	}
	return judge.NewAdapter(usage.Meter(transport, tracker, usage.OpJudge), retry.FromConfig(provider.Retries), rubric, jc), nil
}

// OpenLogs opens the attempt, label and run-meta logs of the run, creating
// the run directory, and wires the resolver to the label log.
func (rc *RunContext) OpenLogs() error {
	var err error
	runID := rc.RunID
	if rc.Attempts, err = store.OpenAttemptStore(rc.runCfg.RawLogPath(runID)); err != nil {
		return err
	}
	if rc.Labels, err = store.OpenLabelStore(rc.runCfg.LabelsLogPath(runID)); err != nil {
		return err
	}
	if rc.Meta, err = store.OpenLog[types.RunMeta](rc.runCfg.MetaLogPath(runID)); err != nil {
		return err
	}
	rc.Resolver = resolve.NewResolver(rc.Labels, rc.threshold)
	return nil
}

// Close closes the run logs.
func (rc *RunContext) Close() error {
	var errs []error
	if rc.Attempts != nil {
		errs = append(errs, rc.Attempts.Close())
	}
	if rc.Labels != nil {
		errs = append(errs, rc.Labels.Close())
	}
	if rc.Meta != nil {
		errs = append(errs, rc.Meta.Close())
	}
	return errors.Join(errs...)
}
