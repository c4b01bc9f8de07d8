package config

import (
	"fmt"
	"slices"
)

// ConfigError reports an invalid or incomplete configuration. Commands exit
// with a dedicated status when they see one.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func newConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

func invalid(field, format string, args ...interface{}) *ConfigError {
	return newConfigError(field, fmt.Errorf(format, args...))
}

var finalLabels = []string{"reject", "accept_with_guidance", "accept"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Run.OutputDir == "" {
		return invalid("run.output_dir", "must not be empty")
	}
	if c.Inputs.ScenariosPath == "" {
		return invalid("inputs.scenarios_path", "must not be empty")
	}
	if c.Inputs.FramesPath == "" {
		return invalid("inputs.frames_path", "must not be empty")
	}
	if c.GenerationDefaults.MaxTokens < 1 {
		return invalid("generation_defaults.max_tokens", "must be >= 1")
	}
	if c.GenerationDefaults.TopP <= 0 || c.GenerationDefaults.TopP > 1 {
		return invalid("generation_defaults.top_p", "must be in (0, 1]")
	}

	if len(c.Providers) == 0 {
		return invalid("providers", "must be a non-empty mapping")
	}
	for key, p := range c.Providers {
		field := "providers." + key
		if !slices.Contains(ValidProviders, p.Type) {
			return invalid(field+".type", "invalid provider type %q (valid: %v)", p.Type, ValidProviders)
		}
		if p.Concurrency < 1 {
			return invalid(field+".concurrency", "must be >= 1")
		}
		if p.Retries.MaxRetries < 0 {
			return invalid(field+".retries.max_retries", "must be >= 0")
		}
	}

	for key, j := range c.Judges {
		field := "judges." + key
		if !j.Enabled {
			continue
		}
		if _, ok := c.Providers[j.Provider]; !ok {
			return invalid(field+".provider", "unknown provider %q", j.Provider)
		}
		if j.Model == "" {
			return invalid(field+".model", "must not be empty")
		}
		if j.MaxTokens < 1 {
			return invalid(field+".max_tokens", "must be >= 1")
		}
		if t := j.Threshold(); t < 0 || t > 1 {
			return invalid(field+".confidence_threshold", "must be in [0, 1]")
		}
		if j.RubricPath == "" {
			return invalid(field+".rubric_path", "must not be empty")
		}
	}

	if len(c.Suites) == 0 {
		return invalid("suites", "must be a non-empty list")
	}
	seen := make(map[string]bool)
	for i, s := range c.Suites {
		field := fmt.Sprintf("suites[%d]", i)
		if s.Name == "" {
			return invalid(field+".name", "must not be empty")
		}
		if seen[s.Name] {
			return invalid(field+".name", "duplicate suite %q", s.Name)
		}
		seen[s.Name] = true
		if _, ok := c.Providers[s.Provider]; !ok {
			return invalid(field+".provider", "unknown provider %q", s.Provider)
		}
		if s.Judge != "" {
			if _, ok := c.Judges[s.Judge]; !ok {
				return invalid(field+".judge", "unknown judge %q", s.Judge)
			}
		}
		if s.Replicates < 1 {
			return invalid(field+".replicates", "must be >= 1")
		}
		if len(s.Models) == 0 {
			return invalid(field+".models", "must be a non-empty list")
		}
		for mi, m := range s.Models {
			if m.Model == "" {
				return invalid(fmt.Sprintf("%s.models[%d].model", field, mi), "must not be empty")
			}
			if len(m.Temperatures) == 0 {
				return invalid(fmt.Sprintf("%s.models[%d].temperatures", field, mi), "must be a non-empty list")
			}
		}
	}

	if err := c.Heuristics.validate(); err != nil {
		return err
	}
	return nil
}

// hasGroup reports whether name resolves to a non-empty pattern group. A
// group defined in config replaces the built-in group of the same name.
func (h HeuristicsConfig) hasGroup(name string) bool {
	if patterns, ok := h.Groups[name]; ok {
		return len(patterns) > 0
	}
	return slices.Contains(BuiltinGroups, name)
}

// validate checks rule references and that a high-confidence reject rule
// exists. An empty rule list means the built-in rules are used.
func (h HeuristicsConfig) validate() error {
	if len(h.Rules) == 0 {
		return nil
	}
	hasOverride := false
	for i, r := range h.Rules {
		field := fmt.Sprintf("heuristics.rules[%d]", i)
		if r.Name == "" {
			return invalid(field+".name", "must not be empty")
		}
		if !slices.Contains(finalLabels, r.Label) {
			return invalid(field+".label", "invalid label %q", r.Label)
		}
		if len(r.All) == 0 {
			return invalid(field+".all", "must reference at least one pattern group")
		}
		for _, g := range append(append([]string{}, r.All...), r.None...) {
			if !h.hasGroup(g) {
				return invalid(field, "unknown or empty pattern group %q", g)
			}
		}
		if r.HighConfidence && r.Label == "reject" {
			hasOverride = true
		}
	}
	if !hasOverride {
		return invalid("heuristics.rules", "at least one high_confidence reject rule is required")
	}
	return nil
}
