// Package rejudge re-runs the blind judge over a seeded sample of completed
// attempts at several judge temperatures. Results go to a separate sweep log;
// the attempt and label logs are only read.
package rejudge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"scenarioharness/internal/config"
	"scenarioharness/internal/judge"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/store"
	"scenarioharness/internal/types"
)

// DefaultTemperatures is the default judge temperature sweep.
var DefaultTemperatures = []float64{0, 0.2, 0.7}

// ErrNoCandidates is returned when the run has no completed attempts.
var ErrNoCandidates = errors.New("no completed attempts to sample")

// Record kinds in the sweep log.
const (
	KindMeta   = "judge_sweep_meta"
	KindResult = "judge_sweep_result"
)

// Record is one line of judge_sweep.jsonl. Exactly one of Meta and Result is
// set, matching Type.
type Record struct {
	Type   string  `json:"type"`
	Meta   *Meta   `json:"meta,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// Meta describes one sweep.
type Meta struct {
	SweepID        string    `json:"sweep_id"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
	NRequested     int       `json:"n_requested"`
	NSampled       int       `json:"n_sampled"`
	Seed           uint64    `json:"seed"`
	JudgeModel     string    `json:"judge_model"`
	JudgeMaxTokens int       `json:"judge_max_tokens"`
	JudgeTopP      float64   `json:"judge_top_p"`
	JudgeTemps     []float64 `json:"judge_temps"`
	RubricPath     string    `json:"rubric_path"`
	RubricHash     string    `json:"rubric_hash"`
}

// Result is the judge's verdict on one sampled attempt at one temperature.
type Result struct {
	SweepID            string       `json:"sweep_id"`
	RunID              string       `json:"run_id"`
	ScenarioID         string       `json:"scenario_id"`
	FrameID            string       `json:"frame_id"`
	AttemptIndex       int          `json:"attempt_index"`
	JudgeModel         string       `json:"judge_model"`
	JudgeTemperature   float64      `json:"judge_temperature"`
	JudgeLabel         *types.Label `json:"judge_label"`
	JudgeConfidence    *float64     `json:"judge_confidence"`
	JudgeEvidenceSpans []string     `json:"judge_evidence_spans"`
	JudgeError         string       `json:"judge_error,omitempty"`
	RubricHash         string       `json:"rubric_hash"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Sweep configures one rejudge-sample invocation.
type Sweep struct {
	RunID        string
	RawPath      string
	OutPath      string
	N            int
	Seed         uint64
	Temperatures []float64

	Judge       *judge.Adapter
	JudgeConfig config.JudgeConfig
	RubricHash  string

	Now func() time.Time
}

// Report summarizes a finished sweep.
type Report struct {
	SweepID string
	OutPath string
	Sampled int
	Results int
}

// ParseTemperatures parses a comma-separated temperature list such as
// "0,0.2,0.7". Empty items are skipped.
func ParseTemperatures(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid temperature %q: %w", part, err)
		}
		if t < 0 || t > 2 {
			return nil, fmt.Errorf("temperature %v out of range [0, 2]", t)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("no temperatures provided")
	}
	return out, nil
}

// Sample returns n attempts chosen by a PCG source seeded with seed. The
// candidates are sorted by key first, so the same log and seed always yield
// the same sample. All candidates are returned when n covers them.
func Sample(candidates []types.AttemptRecord, n int, seed uint64) []types.AttemptRecord {
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, func(a, b types.AttemptRecord) int {
		switch {
		case a.Key().Less(b.Key()):
			return -1
		case b.Key().Less(a.Key()):
			return 1
		}
		return 0
	})
	if n >= len(sorted) {
		return sorted
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(sorted), func(i, j int) { sorted[i], sorted[j] = sorted[j], sorted[i] })
	return sorted[:n]
}

func (s *Sweep) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run samples completed attempts and appends a meta record followed by one
// result per (attempt, temperature) to the sweep log.
func (s *Sweep) Run(ctx context.Context) (Report, error) {
	if s.N < 1 {
		return Report{}, fmt.Errorf("n must be >= 1, got %d", s.N)
	}
	if len(s.Temperatures) == 0 {
		return Report{}, errors.New("no judge temperatures")
	}

	current, err := store.CurrentAttempts(store.ReadLog[types.AttemptRecord](s.RawPath))
	if err != nil {
		return Report{}, err
	}
	var candidates []types.AttemptRecord
	for key, rec := range current {
		if key.RunID == s.RunID && rec.Status == types.StatusCompleted {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return Report{}, fmt.Errorf("%w in %s", ErrNoCandidates, s.RawPath)
	}
	sample := Sample(candidates, s.N, s.Seed)

	out, err := store.OpenLog[Record](s.OutPath)
	if err != nil {
		return Report{}, err
	}
	defer out.Close()

	report := Report{SweepID: uuid.NewString(), OutPath: s.OutPath, Sampled: len(sample)}
	log := logging.Get(logging.CategoryJudge)
	log.Info("Sweep %s: %d of %d attempts at temperatures %v", report.SweepID, len(sample), len(candidates), s.Temperatures)

	meta := &Meta{
		SweepID:        report.SweepID,
		RunID:          s.RunID,
		CreatedAt:      s.now(),
		NRequested:     s.N,
		NSampled:       len(sample),
		Seed:           s.Seed,
		JudgeModel:     s.JudgeConfig.Model,
		JudgeMaxTokens: s.JudgeConfig.MaxTokens,
		JudgeTopP:      s.JudgeConfig.TopP,
		JudgeTemps:     s.Temperatures,
		RubricPath:     s.JudgeConfig.RubricPath,
		RubricHash:     s.RubricHash,
	}
	if err := out.Append(Record{Type: KindMeta, Meta: meta}); err != nil {
		return report, err
	}

	for _, rec := range sample {
		for _, temp := range s.Temperatures {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res := s.judgeOne(ctx, report.SweepID, rec, temp)
			if err := out.Append(Record{Type: KindResult, Result: res}); err != nil {
				return report, err
			}
			report.Results++
		}
	}
	log.Info("Sweep %s finished: %d results", report.SweepID, report.Results)
	return report, nil
}

func (s *Sweep) judgeOne(ctx context.Context, sweepID string, rec types.AttemptRecord, temp float64) *Result {
	adapter := s.Judge.WithTemperature(temp)
	res := &Result{
		SweepID:            sweepID,
		RunID:              rec.RunID,
		ScenarioID:         rec.ScenarioID,
		FrameID:            rec.FrameID,
		AttemptIndex:       rec.AttemptIndex,
		JudgeModel:         adapter.Model(),
		JudgeTemperature:   temp,
		JudgeEvidenceSpans: []string{},
		RubricHash:         s.RubricHash,
	}

	v, err := adapter.Judge(ctx, rec.PromptText, rec.ResponseText)
	res.CreatedAt = s.now()
	switch {
	case err != nil:
		res.JudgeError = err.Error()
	case v.Unavailable:
		res.JudgeError = "judge unavailable"
	default:
		label, confidence := v.Label, v.Confidence
		res.JudgeLabel = &label
		res.JudgeConfidence = &confidence
		if v.EvidenceSpans != nil {
			res.JudgeEvidenceSpans = v.EvidenceSpans
		}
	}
	return res
}
