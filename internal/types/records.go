// Package types holds the records shared by the stores, the labeling pipeline
// and the exporter.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// LABEL TAXONOMY
// =============================================================================

// Label is a classification of a model response.
type Label string

const (
	LabelReject             Label = "reject"
	LabelAcceptWithGuidance Label = "accept_with_guidance"
	LabelAccept             Label = "accept"

	// LabelUndetermined is only produced by the heuristic labeler. It is never a
	// final label.
	LabelUndetermined Label = "undetermined"
)

// IsFinal reports whether l is one of the three labels allowed as final_label.
func (l Label) IsFinal() bool {
	switch l {
	case LabelReject, LabelAcceptWithGuidance, LabelAccept:
		return true
	}
	return false
}

// ParseFinalLabel converts a token into a final label.
func ParseFinalLabel(s string) (Label, error) {
	l := Label(s)
	if !l.IsFinal() {
		return "", fmt.Errorf("unknown label %q", s)
	}
	return l, nil
}

// ResolutionReason records which precedence rule produced a final label.
type ResolutionReason string

const (
	ReasonHeuristicOverride ResolutionReason = "heuristic_override"
	ReasonJudgePrimary      ResolutionReason = "judge_primary"
	ReasonHeuristicFallback ResolutionReason = "heuristic_fallback"
	ReasonDefaultFallback   ResolutionReason = "default_fallback"
)

// =============================================================================
// ATTEMPTS
// =============================================================================

// AttemptStatus is the terminal state of an attempt as persisted.
type AttemptStatus string

const (
	StatusCompleted AttemptStatus = "completed"
	StatusFailed    AttemptStatus = "failed"
)

// AttemptKey identifies one attempt. It is globally unique across runs.
type AttemptKey struct {
	RunID        string
	ScenarioID   string
	FrameID      string
	AttemptIndex int
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", k.RunID, k.ScenarioID, k.FrameID, k.AttemptIndex)
}

// Less orders keys by (run_id, scenario_id, frame_id, attempt_index).
func (k AttemptKey) Less(o AttemptKey) bool {
	if k.RunID != o.RunID {
		return k.RunID < o.RunID
	}
	if k.ScenarioID != o.ScenarioID {
		return k.ScenarioID < o.ScenarioID
	}
	if k.FrameID != o.FrameID {
		return k.FrameID < o.FrameID
	}
	return k.AttemptIndex < o.AttemptIndex
}

// AttemptRecord is one line of attempts_raw.jsonl.
type AttemptRecord struct {
	RunID        string        `json:"run_id"`
	ScenarioID   string        `json:"scenario_id"`
	FrameID      string        `json:"frame_id"`
	AttemptIndex int           `json:"attempt_index"`
	PromptText   string        `json:"prompt_text"`
	ResponseText string        `json:"response_text"`
	ModelName    string        `json:"model_name"`
	Status       AttemptStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Key returns the attempt key of the record.
func (r AttemptRecord) Key() AttemptKey {
	return AttemptKey{RunID: r.RunID, ScenarioID: r.ScenarioID, FrameID: r.FrameID, AttemptIndex: r.AttemptIndex}
}

// =============================================================================
// LABELS
// =============================================================================

// LabelRecord is one line of attempts_labels.jsonl. JudgeLabel and
// JudgeConfidence are nil when the judge was unavailable.
type LabelRecord struct {
	RunID              string           `json:"run_id"`
	ScenarioID         string           `json:"scenario_id"`
	FrameID            string           `json:"frame_id"`
	AttemptIndex       int              `json:"attempt_index"`
	HeuristicLabel     Label            `json:"heuristic_label"`
	HeuristicEvidence  []string         `json:"heuristic_evidence"`
	JudgeLabel         *Label           `json:"judge_label"`
	JudgeConfidence    *float64         `json:"judge_confidence"`
	JudgeEvidenceSpans []string         `json:"judge_evidence_spans"`
	FinalLabel         Label            `json:"final_label"`
	ResolutionReason   ResolutionReason `json:"resolution_reason"`
	NeedsReview        bool             `json:"needs_review"`
	LabeledAt          time.Time        `json:"labeled_at"`
}

// Key returns the key of the attempt this label refers to.
func (r LabelRecord) Key() AttemptKey {
	return AttemptKey{RunID: r.RunID, ScenarioID: r.ScenarioID, FrameID: r.FrameID, AttemptIndex: r.AttemptIndex}
}

// RunMeta is one line of run_meta.jsonl, written once per run invocation.
type RunMeta struct {
	RunID        string    `json:"run_id"`
	SuiteName    string    `json:"suite_name"`
	ProviderKey  string    `json:"provider_key"`
	JudgeKey     string    `json:"judge_key,omitempty"`
	ConfigPath   string    `json:"config_path"`
	Replicates   int       `json:"replicates"`
	CodeVersion  string    `json:"code_version,omitempty"`
	PlannedCount int       `json:"planned_count"`
	PendingCount int       `json:"pending_count"`
	StartedAt    time.Time `json:"started_at"`
	// Slots maps each attempt_index to its model@temperature#replicate.
	Slots []string `json:"slots,omitempty"`
}
