package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a base situational prompt template under evaluation.
type Scenario struct {
	ID         string            `yaml:"id"`
	Trench     string            `yaml:"trench"`
	Title      string            `yaml:"title"`
	BasePrompt string            `yaml:"base_prompt"`
	Variables  map[string]string `yaml:"variables"`
}

// Frame wraps a rendered scenario into the final prompt.
type Frame struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

type frameFile struct {
	Frames []Frame `yaml:"frames"`
}

// LoadScenarios reads and validates a scenarios YAML file.
func LoadScenarios(path string) ([]Scenario, error) {
	var f scenarioFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	if len(f.Scenarios) == 0 {
		return nil, invalid(path, "scenarios must be a non-empty list")
	}
	seen := make(map[string]bool, len(f.Scenarios))
	for i, s := range f.Scenarios {
		if s.ID == "" {
			return nil, invalid(fmt.Sprintf("%s: scenarios[%d].id", path, i), "must not be empty")
		}
		if s.BasePrompt == "" {
			return nil, invalid(fmt.Sprintf("%s: scenarios[%d].base_prompt", path, i), "must not be empty")
		}
		if seen[s.ID] {
			return nil, invalid(path, "duplicate scenario id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Scenarios, nil
}

// LoadFrames reads and validates a frames YAML file.
func LoadFrames(path string) ([]Frame, error) {
	var f frameFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	if len(f.Frames) == 0 {
		return nil, invalid(path, "frames must be a non-empty list")
	}
	seen := make(map[string]bool, len(f.Frames))
	for i, fr := range f.Frames {
		if fr.ID == "" {
			return nil, invalid(fmt.Sprintf("%s: frames[%d].id", path, i), "must not be empty")
		}
		if seen[fr.ID] {
			return nil, invalid(path, "duplicate frame id %q", fr.ID)
		}
		seen[fr.ID] = true
	}
	return f.Frames, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newConfigError(path, fmt.Errorf("failed to read: %w", err))
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return newConfigError(path, fmt.Errorf("failed to parse: %w", err))
	}
	return nil
}
