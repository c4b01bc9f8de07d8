package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"scenarioharness/internal/logging"
)

const attemptsSchema = `
CREATE TABLE IF NOT EXISTS attempts (
	run_id TEXT NOT NULL,
	scenario_id TEXT NOT NULL,
	frame_id TEXT NOT NULL,
	attempt_index INTEGER NOT NULL,
	model_name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	prompt_text TEXT NOT NULL,
	response_text TEXT NOT NULL,
	heuristic_label TEXT,
	heuristic_evidence_json TEXT,
	judge_label TEXT,
	judge_confidence REAL,
	judge_evidence_spans_json TEXT,
	final_label TEXT,
	resolution_reason TEXT,
	needs_review INTEGER,
	labeled_at TEXT,
	missing_label INTEGER NOT NULL,
	PRIMARY KEY (run_id, scenario_id, frame_id, attempt_index)
);
CREATE INDEX IF NOT EXISTS idx_attempts_final_label ON attempts(final_label);
CREATE INDEX IF NOT EXISTS idx_attempts_needs_review ON attempts(needs_review);
`

const insertAttempt = `
INSERT INTO attempts (
	run_id, scenario_id, frame_id, attempt_index, model_name, status, created_at,
	prompt_text, response_text, heuristic_label, heuristic_evidence_json,
	judge_label, judge_confidence, judge_evidence_spans_json, final_label,
	resolution_reason, needs_review, labeled_at, missing_label
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// WriteSQLite replaces the attempts table of the database at path with rows.
// The table is rebuilt in one transaction.
func WriteSQLite(ctx context.Context, path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS attempts"); err != nil {
		return fmt.Errorf("failed to drop attempts table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, attemptsSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertAttempt)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.sqlArgs()...); err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.Export("Wrote %d rows to %s", len(rows), path)
	return nil
}

func (r Row) sqlArgs() []any {
	a := r.Attempt
	args := []any{
		a.RunID, a.ScenarioID, a.FrameID, a.AttemptIndex, a.ModelName,
		string(a.Status), formatTime(a.CreatedAt), a.PromptText, a.ResponseText,
	}
	l := r.Label
	if l == nil {
		return append(args, nil, nil, nil, nil, nil, nil, nil, nil, nil, true)
	}

	var judgeLabel, judgeConfidence any
	if l.JudgeLabel != nil {
		judgeLabel = string(*l.JudgeLabel)
	}
	if l.JudgeConfidence != nil {
		judgeConfidence = *l.JudgeConfidence
	}
	return append(args,
		string(l.HeuristicLabel),
		jsonList(l.HeuristicEvidence),
		judgeLabel,
		judgeConfidence,
		jsonList(l.JudgeEvidenceSpans),
		string(l.FinalLabel),
		string(l.ResolutionReason),
		l.NeedsReview,
		formatTime(l.LabeledAt),
		false,
	)
}
