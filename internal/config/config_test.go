package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
run:
  run_id: run-1
  output_dir: out
providers:
  claude:
    type: anthropic
    concurrency: 2
    retries:
      max_retries: 2
      base_delay: 10ms
      max_delay: 50ms
generation_defaults:
  max_tokens: 256
  top_p: 0.9
judges:
  blind:
    enabled: true
    provider: claude
    model: judge-model
    temperature: 0
    max_tokens: 200
    top_p: 1
    rubric_path: rubric.md
suites:
  - name: smoke
    provider: claude
    judge: blind
    models:
      - model: target-model
        temperatures: [0.0, 0.7]
inputs:
  scenarios_path: scenarios.yaml
  frames_path: frames.yaml
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Run.OutputDir != "outputs" {
		t.Errorf("expected OutputDir=outputs, got %s", cfg.Run.OutputDir)
	}
	if !cfg.Run.Resume {
		t.Error("expected Resume=true by default")
	}
	if cfg.GenerationDefaults.MaxTokens != 1024 {
		t.Errorf("expected MaxTokens=1024, got %d", cfg.GenerationDefaults.MaxTokens)
	}
}

func TestLoad_Valid(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, "run-1", cfg.Run.RunID)
	assert.True(t, cfg.Run.Resume, "resume keeps its default when omitted")
	assert.Equal(t, filepath.Join(dir, "scenarios.yaml"), cfg.Inputs.ScenariosPath)
	assert.Equal(t, filepath.Join(dir, "rubric.md"), cfg.Judges["blind"].RubricPath)
	assert.Equal(t, "sk-test", cfg.Providers["claude"].APIKey)
	assert.Equal(t, "120s", cfg.Providers["claude"].Timeout)
	assert.Equal(t, 1, cfg.Suites[0].Replicates)
	assert.Equal(t, DefaultConfidenceThreshold, cfg.Judges["blind"].Threshold())
	assert.True(t, cfg.Providers["claude"].Retries.JitterEnabled())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, validYAML+"\nbogus_key: 1\n")
	_, err := Load(path)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "bogus_key")
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	os.Unsetenv("ANTHROPIC_API_KEY")
	path := writeConfig(t, validYAML)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("ANTHROPIC_API_KEY=from-dotenv\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Providers["claude"].APIKey)
}

func TestLoad_RulesOverBuiltinGroups(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	body := validYAML + `
heuristics:
  rules:
    - name: explicit_refusal
      label: reject
      high_confidence: true
      all: [refusal]
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Len(t, cfg.Heuristics.Rules, 1)
	assert.Equal(t, []string{"refusal"}, cfg.Heuristics.Rules[0].All)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderConfig{"p": {Type: "anthropic", Concurrency: 1}}
	cfg.Suites = []SuiteConfig{{Name: "s", Provider: "p", Replicates: 1, Models: []ModelSpec{{Model: "m", Temperatures: []float64{0}}}}}
	cfg.Inputs = InputPaths{ScenariosPath: "s.yaml", FramesPath: "f.yaml"}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad provider type", func(c *Config) { c.Providers["p"] = ProviderConfig{Type: "zai", Concurrency: 1} }, "providers.p.type"},
		{"zero concurrency", func(c *Config) { c.Providers["p"] = ProviderConfig{Type: "gemini"} }, "providers.p.concurrency"},
		{"unknown suite provider", func(c *Config) { c.Suites[0].Provider = "x" }, "suites[0].provider"},
		{"unknown suite judge", func(c *Config) { c.Suites[0].Judge = "x" }, "suites[0].judge"},
		{"no models", func(c *Config) { c.Suites[0].Models = nil }, "suites[0].models"},
		{"no temperatures", func(c *Config) { c.Suites[0].Models[0].Temperatures = nil }, "suites[0].models[0].temperatures"},
		{"duplicate suite", func(c *Config) { c.Suites = append(c.Suites, c.Suites[0]) }, "suites[1].name"},
		{"top_p out of range", func(c *Config) { c.GenerationDefaults.TopP = 1.5 }, "generation_defaults.top_p"},
		{"threshold out of range", func(c *Config) {
			th := 1.2
			c.Judges = map[string]JudgeConfig{"j": {Enabled: true, Provider: "p", Model: "m", MaxTokens: 1, RubricPath: "r", ConfidenceThreshold: &th}}
		}, "judges.j.confidence_threshold"},
		{"disabled judge is not checked", func(c *Config) {
			c.Judges = map[string]JudgeConfig{"j": {Enabled: false}}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestHeuristics_Validate(t *testing.T) {
	groups := map[string][]string{"refusal": {`\bcannot\b`}, "steps": {`step 1`}}

	t.Run("requires high-confidence reject", func(t *testing.T) {
		h := HeuristicsConfig{Groups: groups, Rules: []RuleConfig{{Name: "r", Label: "reject", All: []string{"refusal"}}}}
		require.Error(t, h.validate())
	})

	t.Run("unknown group", func(t *testing.T) {
		h := HeuristicsConfig{Groups: groups, Rules: []RuleConfig{{Name: "r", Label: "reject", HighConfidence: true, All: []string{"missing"}}}}
		require.Error(t, h.validate())
	})

	t.Run("undetermined is not a rule label", func(t *testing.T) {
		h := HeuristicsConfig{Groups: groups, Rules: []RuleConfig{{Name: "r", Label: "undetermined", HighConfidence: true, All: []string{"refusal"}}}}
		require.Error(t, h.validate())
	})

	t.Run("built-in groups need no definition", func(t *testing.T) {
		h := HeuristicsConfig{Rules: []RuleConfig{
			{Name: "explicit_refusal", Label: "reject", HighConfidence: true, All: []string{"refusal"}, None: []string{"procedural"}},
			{Name: "policy_citation", Label: "accept_with_guidance", All: []string{"policy"}},
		}}
		require.NoError(t, h.validate())
	})

	t.Run("emptied built-in group", func(t *testing.T) {
		h := HeuristicsConfig{
			Groups: map[string][]string{"refusal": {}},
			Rules:  []RuleConfig{{Name: "r", Label: "reject", HighConfidence: true, All: []string{"refusal"}}},
		}
		require.Error(t, h.validate())
	})

	t.Run("valid", func(t *testing.T) {
		h := HeuristicsConfig{Groups: groups, Rules: []RuleConfig{
			{Name: "r", Label: "reject", HighConfidence: true, All: []string{"refusal"}, None: []string{"steps"}},
		}}
		require.NoError(t, h.validate())
	})
}

// =============================================================================
// HELPER TESTS
// =============================================================================

func TestConfig_Helpers(t *testing.T) {
	p := ProviderConfig{Timeout: "5s", Retries: RetryConfig{BaseDelay: "bad", MaxDelay: "2s"}}
	assert.Equal(t, "5s", p.GetTimeout().String())
	assert.Equal(t, "1s", p.Retries.GetBaseDelay().String())
	assert.Equal(t, "2s", p.Retries.GetMaxDelay().String())

	off := false
	assert.False(t, RetryConfig{Jitter: &off}.JitterEnabled())

	run := RunConfig{OutputDir: "out"}
	assert.Equal(t, filepath.Join("out", "r1", "attempts_raw.jsonl"), run.RawLogPath("r1"))
	assert.Equal(t, filepath.Join("out", "r1", "attempts_labels.jsonl"), run.LabelsLogPath("r1"))
	assert.Equal(t, filepath.Join("out", "r1", "attempts.csv"), run.CSVPath("r1"))
}

func TestConfig_Suite(t *testing.T) {
	cfg := validConfig()
	s, err := cfg.Suite("")
	require.NoError(t, err)
	assert.Equal(t, "s", s.Name)

	_, err = cfg.Suite("missing")
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCredentialEnv(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", ProviderConfig{Type: "anthropic"}.CredentialEnv())
	assert.Equal(t, "GEMINI_API_KEY", ProviderConfig{Type: "gemini"}.CredentialEnv())
	assert.Equal(t, "MY_KEY", ProviderConfig{Type: "gemini", APIKeyEnv: "MY_KEY"}.CredentialEnv())
}
