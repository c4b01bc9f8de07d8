package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scenarioharness/internal/config"
	"scenarioharness/internal/export"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/store"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConfig       = 2
	exitInconsistent = 3
	exitCorruption   = 4
)

var (
	// Global flags
	verbose    bool
	configPath string
	runIDFlag  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "Scenario × frame evaluation harness for LLM responses",
	Long: `harness runs every scenario under every frame against the configured
models, records each attempt in an append-only log, labels the responses with
heuristics and a blind judge, and exports the merged result.

Exit codes: 0 success, 2 config error, 3 inconsistent store,
4 store corruption, 1 anything else.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	for _, cmd := range []*cobra.Command{runCmd, exportCSVCmd, exportSQLiteCmd, rejudgeCmd, summaryCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (required)")
		cmd.Flags().StringVar(&runIDFlag, "run-id", "", "Run id (overrides run.run_id)")
		cmd.MarkFlagRequired("config")
		rootCmd.AddCommand(cmd)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var (
		cfgErr       *config.ConfigError
		inconsistent *export.InconsistentStoreError
		corrupt      *store.StoreCorruptionError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &inconsistent):
		return exitInconsistent
	case errors.As(err, &corrupt):
		return exitCorruption
	}
	return exitFailure
}

// loadConfig loads and validates the config. It has no side effects beyond
// reading .env, so commands call it before anything else.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// initLogging points the categorized loggers at the command's zap logger and
// opens logging.file. Commands call it once every ConfigError check has
// passed.
func initLogging(cfg *config.Config) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	lc := logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		Categories: cfg.Logging.Categories,
	}
	if verbose {
		lc.Level = "debug"
	}
	if err := logging.Initialize(logger, lc); err != nil {
		return &config.ConfigError{Field: "logging", Err: err}
	}
	logging.Boot("Loaded config %s", cfg.Path)
	return nil
}

// resolveRunID returns --run-id or run.run_id, failing when neither is set.
func resolveRunID(cfg *config.Config) (string, error) {
	if runIDFlag != "" {
		return runIDFlag, nil
	}
	if cfg.Run.RunID != "" {
		return cfg.Run.RunID, nil
	}
	return "", &config.ConfigError{Field: "run.run_id", Err: errors.New("run id is required (set run.run_id or pass --run-id)")}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// codeVersion returns the VCS revision the binary was built from, if known.
func codeVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	rev, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	if rev == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		rev = info.Main.Version
	}
	return rev
}
