// Package export joins the attempt and label logs into one row per attempt
// and writes the result as CSV, SQLite or summary counts.
//
// Export is a pure function of the two logs: running it twice over the same
// logs produces identical output.
package export

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"scenarioharness/internal/logging"
	"scenarioharness/internal/store"
	"scenarioharness/internal/types"
)

// InconsistentStoreError reports label records whose key has no attempt.
type InconsistentStoreError struct {
	Dangling []types.AttemptKey
}

func (e *InconsistentStoreError) Error() string {
	keys := make([]string, 0, len(e.Dangling))
	for _, k := range e.Dangling {
		keys = append(keys, k.String())
	}
	return fmt.Sprintf("inconsistent store: %d label records without an attempt: %s", len(e.Dangling), strings.Join(keys, ", "))
}

// Row is one merged attempt. Label is nil when MissingLabel is set.
type Row struct {
	Attempt      types.AttemptRecord
	Label        *types.LabelRecord
	MissingLabel bool
}

// Key returns the attempt key of the row.
func (r Row) Key() types.AttemptKey { return r.Attempt.Key() }

// Merge left-joins the current label of each key onto the current attempt
// of each key. Rows are ordered by (run_id, scenario_id, frame_id,
// attempt_index).
func Merge(attempts iter.Seq2[types.AttemptRecord, error], labels iter.Seq2[types.LabelRecord, error]) ([]Row, error) {
	timer := logging.StartTimer(logging.CategoryExport, "merge")
	defer timer.Stop()

	current, err := store.CurrentAttempts(attempts)
	if err != nil {
		return nil, err
	}
	latest, err := store.LatestLabels(labels)
	if err != nil {
		return nil, err
	}

	var dangling []types.AttemptKey
	for key := range latest {
		if _, ok := current[key]; !ok {
			dangling = append(dangling, key)
		}
	}
	if len(dangling) > 0 {
		slices.SortFunc(dangling, compareKeys)
		return nil, &InconsistentStoreError{Dangling: dangling}
	}

	rows := make([]Row, 0, len(current))
	missing := 0
	for key, rec := range current {
		row := Row{Attempt: rec}
		if l, ok := latest[key]; ok {
			row.Label = &l
		} else {
			row.MissingLabel = true
			missing++
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b Row) int { return compareKeys(a.Key(), b.Key()) })

	logging.ExportDebug("Merged %d attempts, %d labels, %d missing", len(rows), len(latest), missing)
	return rows, nil
}

// MergeFiles merges the logs at the given paths.
func MergeFiles(rawPath, labelsPath string) ([]Row, error) {
	return Merge(store.ReadLog[types.AttemptRecord](rawPath), store.ReadLog[types.LabelRecord](labelsPath))
}

func compareKeys(a, b types.AttemptKey) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
