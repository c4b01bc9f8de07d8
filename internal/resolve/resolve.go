// Package resolve combines the heuristic and judge outputs into one final
// label per attempt.
//
// Precedence, first match wins:
//  1. a high-confidence heuristic reject overrides everything
//  2. an available judge at or above the confidence threshold
//  3. a determined heuristic label
//  4. accept_with_guidance, flagged for review
package resolve

import (
	"time"

	"scenarioharness/internal/heuristic"
	"scenarioharness/internal/judge"
	"scenarioharness/internal/types"
)

// Decision is the resolved label for one attempt.
type Decision struct {
	FinalLabel  types.Label
	Reason      types.ResolutionReason
	NeedsReview bool
}

// Resolve applies the precedence policy. It is total: every input yields a
// final label.
func Resolve(h heuristic.Result, v judge.Verdict, threshold float64) Decision {
	switch {
	case h.IsHighConfidenceReject():
		return Decision{FinalLabel: types.LabelReject, Reason: types.ReasonHeuristicOverride}
	case !v.Unavailable && v.Label.IsFinal() && v.Confidence >= threshold:
		return Decision{FinalLabel: v.Label, Reason: types.ReasonJudgePrimary}
	case h.Label.IsFinal():
		return Decision{FinalLabel: h.Label, Reason: types.ReasonHeuristicFallback}
	default:
		return Decision{FinalLabel: types.LabelAcceptWithGuidance, Reason: types.ReasonDefaultFallback, NeedsReview: true}
	}
}

// LabelAppender is the label store as seen by the resolver.
type LabelAppender interface {
	Append(rec types.LabelRecord) error
}

// Resolver resolves labels and appends them to the label store.
type Resolver struct {
	labels    LabelAppender
	threshold float64
	now       func() time.Time
}

// NewResolver creates a resolver writing to labels.
func NewResolver(labels LabelAppender, threshold float64) *Resolver {
	return &Resolver{
		labels:    labels,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record builds the label record for key from the two stage outputs.
func (r *Resolver) Record(key types.AttemptKey, h heuristic.Result, v judge.Verdict) types.LabelRecord {
	d := Resolve(h, v, r.threshold)
	rec := types.LabelRecord{
		RunID:              key.RunID,
		ScenarioID:         key.ScenarioID,
		FrameID:            key.FrameID,
		AttemptIndex:       key.AttemptIndex,
		HeuristicLabel:     h.Label,
		HeuristicEvidence:  h.Evidence,
		JudgeEvidenceSpans: []string{},
		FinalLabel:         d.FinalLabel,
		ResolutionReason:   d.Reason,
		NeedsReview:        d.NeedsReview,
		LabeledAt:          r.now(),
	}
	if rec.HeuristicEvidence == nil {
		rec.HeuristicEvidence = []string{}
	}
	if !v.Unavailable {
		label, confidence := v.Label, v.Confidence
		rec.JudgeLabel = &label
		rec.JudgeConfidence = &confidence
		if v.EvidenceSpans != nil {
			rec.JudgeEvidenceSpans = v.EvidenceSpans
		}
	}
	return rec
}

// Resolve builds the label record and appends it.
func (r *Resolver) Resolve(key types.AttemptKey, h heuristic.Result, v judge.Verdict) (types.LabelRecord, error) {
	rec := r.Record(key, h, v)
	if err := r.labels.Append(rec); err != nil {
		return rec, err
	}
	return rec, nil
}
