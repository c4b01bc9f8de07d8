// Package matrix renders prompts and expands a suite into the
// scenario × frame × model × temperature × replicate attempt plan.
package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"scenarioharness/internal/config"
	"scenarioharness/internal/types"
)

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render replaces {{NAME}} with vars[NAME]. Unknown variables are left as-is
// so missing fills stay visible in the prompt.
func Render(template string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// BuildPrompt returns frame.prefix + rendered scenario + frame.suffix.
func BuildPrompt(s config.Scenario, f config.Frame) string {
	return f.Prefix + Render(s.BasePrompt, s.Variables) + f.Suffix
}

// PromptHash returns the hex sha256 of a prompt.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// ResolveRunID returns the configured run id or a fresh UUID.
func ResolveRunID(configured string) string {
	if configured != "" {
		return configured
	}
	return uuid.NewString()
}

// AttemptSpec is one planned attempt.
type AttemptSpec struct {
	Key         types.AttemptKey
	Trench      string
	Model       string
	Temperature float64
	Replicate   int // 1-based
	MaxTokens   int
	TopP        float64
	PromptText  string
	PromptHash  string
}

// Slot names the (model, temperature, replicate) an attempt_index stands for.
func (s AttemptSpec) Slot() string {
	return fmt.Sprintf("%s@%s#%d", s.Model, strconv.FormatFloat(s.Temperature, 'f', -1, 64), s.Replicate)
}

// Slots returns the slot of every attempt_index in specs. The layout is the
// same for every scenario and frame of a plan.
func Slots(specs []AttemptSpec) []string {
	var slots []string
	for _, s := range specs {
		for len(slots) <= s.Key.AttemptIndex {
			slots = append(slots, "")
		}
		slots[s.Key.AttemptIndex] = s.Slot()
	}
	return slots
}

// Plan expands a suite into attempt specs. attempt_index enumerates
// replicate, then model, then temperature in config order starting at 0, so
// a key names the same attempt on every rerun of the same config, and raising
// the replicate count only appends indexes.
func Plan(runID string, suite config.SuiteConfig, gen config.GenerationDefaults, scenarios []config.Scenario, frames []config.Frame, replicates int) ([]AttemptSpec, error) {
	if replicates < 1 {
		return nil, fmt.Errorf("replicates must be >= 1")
	}
	var specs []AttemptSpec
	for _, s := range scenarios {
		for _, f := range frames {
			prompt := BuildPrompt(s, f)
			hash := PromptHash(prompt)
			index := 0
			for rep := 1; rep <= replicates; rep++ {
				for _, m := range suite.Models {
					for _, temp := range m.Temperatures {
						specs = append(specs, AttemptSpec{
							Key: types.AttemptKey{
								RunID:        runID,
								ScenarioID:   s.ID,
								FrameID:      f.ID,
								AttemptIndex: index,
							},
							Trench:      s.Trench,
							Model:       m.Model,
							Temperature: temp,
							Replicate:   rep,
							MaxTokens:   gen.MaxTokens,
							TopP:        gen.TopP,
							PromptText:  prompt,
							PromptHash:  hash,
						})
						index++
					}
				}
			}
		}
	}
	return specs, nil
}
