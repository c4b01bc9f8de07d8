// Package usage accounts the tokens a run spends, per model and per
// operation, in <run_dir>/usage.json. Counts accumulate across resumed
// invocations of the same run.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"scenarioharness/internal/invoker"
	"scenarioharness/internal/logging"
)

// Operations metered by the harness.
const (
	OpAttempt = "attempt"
	OpJudge   = "judge"
)

// Tracker records token usage and persists it on Save.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
}

// NewTracker loads earlier counts from path if the file exists. Nothing is
// written until Save.
func NewTracker(path, runID string) (*Tracker, error) {
	t := &Tracker{
		filePath: path,
		data: UsageData{
			Version: "1.0",
			RunID:   runID,
		},
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.filePath)
	if errors.Is(err, os.ErrNotExist) {
		t.initMaps()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return fmt.Errorf("failed to parse %s: %w", t.filePath, err)
	}
	t.initMaps()
	return nil
}

func (t *Tracker) initMaps() {
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByOperation == nil {
		t.data.Aggregate.ByOperation = make(map[string]TokenCounts)
	}
}

// Path returns the usage file path.
func (t *Tracker) Path() string { return t.filePath }

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	data, err := json.MarshalIndent(t.data, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create usage dir: %w", err)
	}
	return os.WriteFile(t.filePath, append(data, '\n'), 0644)
}

// Track records one call.
func (t *Tracker) Track(model, operation string, input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Aggregate.Total.Add(input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.ByOperation, operation, input, output)
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

// =============================================================================
// METERED INVOKER
// =============================================================================

type metered struct {
	next      invoker.Invoker
	tracker   *Tracker
	operation string
}

// Meter wraps next so every successful call is tracked under operation.
// A nil tracker returns next unchanged.
func Meter(next invoker.Invoker, t *Tracker, operation string) invoker.Invoker {
	if t == nil {
		return next
	}
	return &metered{next: next, tracker: t, operation: operation}
}

func (m *metered) Invoke(ctx context.Context, req invoker.Request) (invoker.Response, error) {
	resp, err := m.next.Invoke(ctx, req)
	if err == nil {
		m.tracker.Track(req.Model, m.operation, resp.InputTokens, resp.OutputTokens)
		logging.APIDebug("Usage %s model=%s in=%d out=%d", m.operation, req.Model, resp.InputTokens, resp.OutputTokens)
	}
	return resp, err
}
