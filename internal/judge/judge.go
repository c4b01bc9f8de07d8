// Package judge wraps the blind judge model call.
//
// The adapter only ever sees the prompt text and the response text of an
// attempt. Run, scenario and frame identifiers never reach the judge.
package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"scenarioharness/internal/config"
	"scenarioharness/internal/invoker"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/retry"
	"scenarioharness/internal/types"
)

// MaxEvidenceSpans caps the evidence spans kept from a verdict.
const MaxEvidenceSpans = 3

// Verdict is the judge's structured label judgement. Unavailable is set when
// the judge could not produce one; the other fields are then zero.
type Verdict struct {
	Label         types.Label
	Confidence    float64
	EvidenceSpans []string
	Unavailable   bool
}

// Unavailable is the sentinel verdict for an exhausted or failed judge.
var Unavailable = Verdict{Unavailable: true}

// MalformedJudgeOutputError reports judge output that could not be parsed.
type MalformedJudgeOutputError struct {
	Raw string
	Err error
}

func (e *MalformedJudgeOutputError) Error() string {
	return fmt.Sprintf("malformed judge output: %v", e.Err)
}

func (e *MalformedJudgeOutputError) Unwrap() error { return e.Err }

// =============================================================================
// PROMPT & PARSING
// =============================================================================

// BuildPrompt assembles the outbound judge prompt from the rubric and the two
// texts under review.
func BuildPrompt(rubric, promptText, responseText string) string {
	var b strings.Builder
	b.WriteString(rubric)
	b.WriteString("\n\n-----\n")
	b.WriteString("prompt_text:\n<<<\n")
	b.WriteString(promptText)
	b.WriteString("\n>>>\n\n")
	b.WriteString("response_text:\n<<<\n")
	b.WriteString(responseText)
	b.WriteString("\n>>>\n\n")
	b.WriteString("Return ONLY the JSON object.\n")
	return b.String()
}

type rawVerdict struct {
	Label         string          `json:"label"`
	Confidence    json.RawMessage `json:"confidence"`
	EvidenceSpans json.RawMessage `json:"evidence_spans"`
}

// ParseVerdict extracts the JSON object between the first '{' and the last
// '}' of text. Code fences around it are tolerated.
func ParseVerdict(text string) (Verdict, error) {
	malformed := func(err error) (Verdict, error) {
		return Verdict{}, &MalformedJudgeOutputError{Raw: text, Err: err}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return malformed(errors.New("no JSON object found"))
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return malformed(err)
	}

	label, err := types.ParseFinalLabel(raw.Label)
	if err != nil {
		return malformed(err)
	}

	confidence, err := parseConfidence(raw.Confidence)
	if err != nil {
		return malformed(err)
	}

	return Verdict{
		Label:         label,
		Confidence:    confidence,
		EvidenceSpans: parseSpans(raw.EvidenceSpans),
	}, nil
}

// parseConfidence accepts a JSON number or a string holding one, clamped to
// [0, 1]. NaN is rejected.
func parseConfidence(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || string(raw) == "null" {
		var str string
		if json.Unmarshal(raw, &str) != nil {
			return 0, fmt.Errorf("confidence is not numeric: %s", string(raw))
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return 0, fmt.Errorf("confidence is not numeric: %s", string(raw))
		}
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("confidence is not numeric: %s", string(raw))
	}
	return min(max(v, 0), 1), nil
}

// parseSpans keeps at most MaxEvidenceSpans entries; a non-list is ignored.
func parseSpans(raw json.RawMessage) []string {
	spans := []string{}
	var items []interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return spans
	}
	for _, it := range items {
		if len(spans) == MaxEvidenceSpans {
			break
		}
		switch v := it.(type) {
		case string:
			spans = append(spans, v)
		default:
			spans = append(spans, fmt.Sprint(v))
		}
	}
	return spans
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter calls the judge model through an invoker with a bounded retry
// policy.
type Adapter struct {
	inv         invoker.Invoker
	policy      retry.Policy
	rubric      string
	model       string
	temperature float64
	maxTokens   int
	topP        float64
}

// NewAdapter creates an adapter. inv should be a bare transport; the adapter
// applies policy itself.
func NewAdapter(inv invoker.Invoker, policy retry.Policy, rubric string, jc config.JudgeConfig) *Adapter {
	return &Adapter{
		inv:         inv,
		policy:      policy,
		rubric:      rubric,
		model:       jc.Model,
		temperature: jc.Temperature,
		maxTokens:   jc.MaxTokens,
		topP:        jc.TopP,
	}
}

// WithTemperature returns a copy of the adapter sampling at t.
func (a *Adapter) WithTemperature(t float64) *Adapter {
	c := *a
	c.temperature = t
	return &c
}

// Model returns the judge model name.
func (a *Adapter) Model() string { return a.model }

// Judge labels one response. Exhausted retries and permanent failures yield
// the Unavailable verdict with a nil error. Unparsable output yields the
// Unavailable verdict with a *MalformedJudgeOutputError.
func (a *Adapter) Judge(ctx context.Context, promptText, responseText string) (Verdict, error) {
	req := invoker.Request{
		Model:       a.model,
		Prompt:      BuildPrompt(a.rubric, promptText, responseText),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		TopP:        a.topP,
	}

	resp, err := retry.Do(ctx, a.policy, "judge "+a.model, invoker.Classify, func(ctx context.Context) (invoker.Response, error) {
		return a.inv.Invoke(ctx, req)
	})
	if err != nil {
		logging.JudgeWarn("Judge unavailable (model=%s): %v", a.model, err)
		return Unavailable, nil
	}

	v, err := ParseVerdict(resp.Text)
	if err != nil {
		logging.JudgeWarn("Judge output unparsable (model=%s): %v raw=%q", a.model, err, truncate(resp.Text, 300))
		return Unavailable, err
	}
	logging.Judge("Judge verdict model=%s label=%s confidence=%.3f spans=%d", a.model, v.Label, v.Confidence, len(v.EvidenceSpans))
	return v, nil
}

// =============================================================================
// RUBRIC
// =============================================================================

// LoadRubric reads the rubric file.
func LoadRubric(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read rubric: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("rubric %s is empty", path)
	}
	return string(data), nil
}

// RubricHash returns the hex sha256 of the rubric text.
func RubricHash(rubric string) string {
	sum := sha256.Sum256([]byte(rubric))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
