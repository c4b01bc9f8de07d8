package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"scenarioharness/internal/logging"
)

// Columns is the CSV column order: attempt fields, label fields, then
// missing_label.
var Columns = []string{
	"run_id",
	"scenario_id",
	"frame_id",
	"attempt_index",
	"model_name",
	"status",
	"created_at",
	"prompt_text",
	"response_text",
	"heuristic_label",
	"heuristic_evidence",
	"judge_label",
	"judge_confidence",
	"judge_evidence_spans",
	"final_label",
	"resolution_reason",
	"needs_review",
	"labeled_at",
	"missing_label",
}

// Record renders a row as CSV fields in Columns order. Label fields are
// empty when the label is missing; a null judge label or confidence is an
// empty field.
func (r Row) Record() []string {
	a := r.Attempt
	out := []string{
		a.RunID,
		a.ScenarioID,
		a.FrameID,
		strconv.Itoa(a.AttemptIndex),
		a.ModelName,
		string(a.Status),
		formatTime(a.CreatedAt),
		a.PromptText,
		a.ResponseText,
	}

	l := r.Label
	if l == nil {
		out = append(out, "", "", "", "", "", "", "", "", "")
	} else {
		judgeLabel, judgeConfidence := "", ""
		if l.JudgeLabel != nil {
			judgeLabel = string(*l.JudgeLabel)
		}
		if l.JudgeConfidence != nil {
			judgeConfidence = strconv.FormatFloat(*l.JudgeConfidence, 'f', -1, 64)
		}
		out = append(out,
			string(l.HeuristicLabel),
			jsonList(l.HeuristicEvidence),
			judgeLabel,
			judgeConfidence,
			jsonList(l.JudgeEvidenceSpans),
			string(l.FinalLabel),
			string(l.ResolutionReason),
			strconv.FormatBool(l.NeedsReview),
			formatTime(l.LabeledAt),
		)
	}
	return append(out, strconv.FormatBool(r.MissingLabel))
}

// WriteCSV writes the header and one record per row.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes rows to path through a temp file and rename, so a
// reader never sees a half-written export.
func WriteCSVFile(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".attempts-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, rows); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move csv into place: %w", err)
	}
	logging.Export("Wrote %d rows to %s", len(rows), path)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}
