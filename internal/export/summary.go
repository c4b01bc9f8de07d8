package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"scenarioharness/internal/types"
)

// Summary counts merged rows by status, final label and resolution reason.
type Summary struct {
	RunID        string         `json:"run_id"`
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByFinalLabel map[string]int `json:"by_final_label"`
	ByReason     map[string]int `json:"by_resolution_reason"`
	NeedsReview  int            `json:"needs_review"`
	MissingLabel int            `json:"missing_label"`
}

// Summarize counts rows. Every final label and reason appears in the maps,
// with zero when absent.
func Summarize(runID string, rows []Row) Summary {
	s := Summary{
		RunID:        runID,
		Total:        len(rows),
		ByStatus:     map[string]int{string(types.StatusCompleted): 0, string(types.StatusFailed): 0},
		ByFinalLabel: map[string]int{},
		ByReason:     map[string]int{},
	}
	for _, l := range []types.Label{types.LabelReject, types.LabelAcceptWithGuidance, types.LabelAccept} {
		s.ByFinalLabel[string(l)] = 0
	}
	for _, r := range []types.ResolutionReason{types.ReasonHeuristicOverride, types.ReasonJudgePrimary, types.ReasonHeuristicFallback, types.ReasonDefaultFallback} {
		s.ByReason[string(r)] = 0
	}

	for _, r := range rows {
		s.ByStatus[string(r.Attempt.Status)]++
		if r.MissingLabel {
			s.MissingLabel++
			continue
		}
		s.ByFinalLabel[string(r.Label.FinalLabel)]++
		s.ByReason[string(r.Label.ResolutionReason)]++
		if r.Label.NeedsReview {
			s.NeedsReview++
		}
	}
	return s
}

// WriteSummaryFile writes s as indented JSON. Map keys are sorted by
// encoding/json, so the output is deterministic.
func WriteSummaryFile(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
