package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the experiment configuration. It is built once by Load and
// must not be mutated afterwards.
type Config struct {
	Run                RunConfig                 `yaml:"run"`
	Providers          map[string]ProviderConfig `yaml:"providers"`
	GenerationDefaults GenerationDefaults        `yaml:"generation_defaults"`
	Judges             map[string]JudgeConfig    `yaml:"judges"`
	Suites             []SuiteConfig             `yaml:"suites"`
	Inputs             InputPaths                `yaml:"inputs"`
	Heuristics         HeuristicsConfig          `yaml:"heuristics"`
	Logging            LoggingConfig             `yaml:"logging"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// RunConfig controls where logs go and how reruns behave.
type RunConfig struct {
	RunID     string `yaml:"run_id"`
	OutputDir string `yaml:"output_dir"`
	Resume    bool   `yaml:"resume"`
}

// ProviderConfig configures one model provider.
type ProviderConfig struct {
	Type        string      `yaml:"type"` // anthropic, gemini
	BaseURL     string      `yaml:"base_url"`
	APIKeyEnv   string      `yaml:"api_key_env"`
	Timeout     string      `yaml:"timeout"`
	Concurrency int         `yaml:"concurrency"`
	Retries     RetryConfig `yaml:"retries"`

	// APIKey is resolved from the environment, never from YAML.
	APIKey string `yaml:"-"`
}

// RetryConfig configures exponential backoff for transient failures.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
	Jitter     *bool  `yaml:"jitter"`
}

// GenerationDefaults apply to every model in every suite.
type GenerationDefaults struct {
	MaxTokens int     `yaml:"max_tokens"`
	TopP      float64 `yaml:"top_p"`
}

// JudgeConfig configures a blind judge.
type JudgeConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Provider            string   `yaml:"provider"`
	Model               string   `yaml:"model"`
	Temperature         float64  `yaml:"temperature"`
	MaxTokens           int      `yaml:"max_tokens"`
	TopP                float64  `yaml:"top_p"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	RubricPath          string   `yaml:"rubric_path"`
}

// SuiteConfig is a named slice of the experiment matrix.
type SuiteConfig struct {
	Name       string      `yaml:"name"`
	Provider   string      `yaml:"provider"`
	Models     []ModelSpec `yaml:"models"`
	Judge      string      `yaml:"judge"`
	Replicates int         `yaml:"replicates"`
}

// ModelSpec lists the temperatures a model is sampled at.
type ModelSpec struct {
	Model        string    `yaml:"model"`
	Temperatures []float64 `yaml:"temperatures"`
}

// InputPaths locates the scenario and frame files. Relative paths are
// resolved against the config file's directory.
type InputPaths struct {
	ScenariosPath string `yaml:"scenarios_path"`
	FramesPath    string `yaml:"frames_path"`
}

// Built-in heuristic pattern groups. Rules may use them without defining them
// under heuristics.groups.
const (
	GroupRefusal    = "refusal"
	GroupPolicy     = "policy"
	GroupProcedural = "procedural"
)

// BuiltinGroups lists the built-in pattern group names.
var BuiltinGroups = []string{GroupRefusal, GroupPolicy, GroupProcedural}

// HeuristicsConfig overrides the built-in heuristic rule set. Rules refer to
// pattern groups by name.
type HeuristicsConfig struct {
	Groups map[string][]string `yaml:"groups"`
	Rules  []RuleConfig        `yaml:"rules"`
}

// RuleConfig is one ordered heuristic rule.
type RuleConfig struct {
	Name           string   `yaml:"name"`
	Label          string   `yaml:"label"`
	HighConfidence bool     `yaml:"high_confidence"`
	All            []string `yaml:"all"`
	None           []string `yaml:"none"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"

	DefaultConfidenceThreshold = 0.5
)

// ValidProviders lists all supported provider types.
var ValidProviders = []string{ProviderAnthropic, ProviderGemini}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			OutputDir: "outputs",
			Resume:    true,
		},
		GenerationDefaults: GenerationDefaults{
			MaxTokens: 1024,
			TopP:      1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultProviderConfig returns provider defaults for fields left empty.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:     "120s",
		Concurrency: 4,
		Retries: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  "1s",
			MaxDelay:   "30s",
		},
	}
}

// Load reads, defaults, resolves and validates the configuration at path.
// Any failure is returned as a *ConfigError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newConfigError("", fmt.Errorf("failed to read config: %w", err))
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, newConfigError("", fmt.Errorf("failed to parse config: %w", err))
	}
	cfg.Path = path

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, newConfigError("", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	cfg.resolvePaths(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads dir/.env if present. Variables already in the
// environment win.
func loadDotEnv(dir string) error {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultProviderConfig()
	for key, p := range c.Providers {
		if p.Timeout == "" {
			p.Timeout = def.Timeout
		}
		if p.Concurrency == 0 {
			p.Concurrency = def.Concurrency
		}
		if p.Retries.BaseDelay == "" {
			p.Retries.BaseDelay = def.Retries.BaseDelay
		}
		if p.Retries.MaxDelay == "" {
			p.Retries.MaxDelay = def.Retries.MaxDelay
		}
		c.Providers[key] = p
	}
	for i := range c.Suites {
		if c.Suites[i].Replicates == 0 {
			c.Suites[i].Replicates = 1
		}
	}
}

// applyEnvOverrides resolves provider credentials from the environment.
func (c *Config) applyEnvOverrides() {
	for key, p := range c.Providers {
		if v := os.Getenv(p.CredentialEnv()); v != "" {
			p.APIKey = v
		}
		c.Providers[key] = p
	}
	if v := os.Getenv("HARNESS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Inputs.ScenariosPath = resolve(c.Inputs.ScenariosPath)
	c.Inputs.FramesPath = resolve(c.Inputs.FramesPath)
	for key, j := range c.Judges {
		j.RubricPath = resolve(j.RubricPath)
		c.Judges[key] = j
	}
}

// CredentialEnv returns the environment variable holding the provider's key.
func (p ProviderConfig) CredentialEnv() string {
	if p.APIKeyEnv != "" {
		return p.APIKeyEnv
	}
	switch p.Type {
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

// GetTimeout returns the per-call timeout.
func (p ProviderConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetBaseDelay returns the first backoff delay.
func (r RetryConfig) GetBaseDelay() time.Duration {
	d, err := time.ParseDuration(r.BaseDelay)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

// GetMaxDelay returns the backoff ceiling.
func (r RetryConfig) GetMaxDelay() time.Duration {
	d, err := time.ParseDuration(r.MaxDelay)
	if err != nil || d < 0 {
		return 30 * time.Second
	}
	return d
}

// JitterEnabled defaults to true.
func (r RetryConfig) JitterEnabled() bool {
	return r.Jitter == nil || *r.Jitter
}

// Threshold returns the confidence threshold, defaulting to 0.5.
func (j JudgeConfig) Threshold() float64 {
	if j.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *j.ConfidenceThreshold
}

// Suite returns the named suite, or the first suite when name is empty.
func (c *Config) Suite(name string) (SuiteConfig, error) {
	if name == "" {
		return c.Suites[0], nil
	}
	for _, s := range c.Suites {
		if s.Name == name {
			return s, nil
		}
	}
	return SuiteConfig{}, newConfigError("suites", fmt.Errorf("unknown suite: %s", name))
}

// SuiteJudge returns the judge of a suite, or ok=false when the suite has no
// enabled judge.
func (c *Config) SuiteJudge(s SuiteConfig) (JudgeConfig, bool) {
	if s.Judge == "" {
		return JudgeConfig{}, false
	}
	j, ok := c.Judges[s.Judge]
	if !ok || !j.Enabled {
		return JudgeConfig{}, false
	}
	return j, true
}

// RequireCredentials checks that every provider the suite talks to has a
// credential. It is called before any attempt starts.
func (c *Config) RequireCredentials(s SuiteConfig) error {
	keys := []string{s.Provider}
	if j, ok := c.SuiteJudge(s); ok {
		keys = append(keys, j.Provider)
	}
	for _, key := range keys {
		if err := c.RequireCredential(key); err != nil {
			return err
		}
	}
	return nil
}

// RequireCredential checks that the named provider has a credential.
func (c *Config) RequireCredential(providerKey string) error {
	p, ok := c.Providers[providerKey]
	if !ok {
		return newConfigError("providers", fmt.Errorf("unknown provider: %s", providerKey))
	}
	if p.APIKey == "" {
		return newConfigError("providers."+providerKey, fmt.Errorf("missing credential: set %s", p.CredentialEnv()))
	}
	return nil
}

// =============================================================================
// OUTPUT LAYOUT
// =============================================================================

// RunDir returns <output_dir>/<run_id>.
func (r RunConfig) RunDir(runID string) string {
	return filepath.Join(r.OutputDir, runID)
}

func (r RunConfig) RawLogPath(runID string) string {
	return filepath.Join(r.RunDir(runID), "attempts_raw.jsonl")
}

func (r RunConfig) LabelsLogPath(runID string) string {
	return filepath.Join(r.RunDir(runID), "attempts_labels.jsonl")
}

func (r RunConfig) MetaLogPath(runID string) string {
	return filepath.Join(r.RunDir(runID), "run_meta.jsonl")
}

func (r RunConfig) CSVPath(runID string) string {
	return filepath.Join(r.RunDir(runID), "attempts.csv")
}

func (r RunConfig) SQLitePath(runID string) string {
	return filepath.Join(r.RunDir(runID), "attempts.db")
}

func (r RunConfig) SummaryPath(runID string) string {
	return filepath.Join(r.RunDir(runID), "summary.json")
}

func (r RunConfig) JudgeSweepPath(runID string) string {
	return filepath.Join(r.RunDir(runID), "judge_sweep.jsonl")
}

func (r RunConfig) UsagePath(runID string) string {
	return filepath.Join(r.RunDir(runID), "usage.json")
}
