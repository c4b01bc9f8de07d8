// Package runner drives the attempt matrix through the invoker, persists
// every attempt and labels completed ones.
//
// Each attempt moves pending → sent → completed | failed. A transient
// invocation failure re-enters sent until the retry policy is spent; a
// permanent failure or an exhausted policy ends in failed. A completed
// attempt is labeled in the same unit of work. Attempts run concurrently up
// to the provider's concurrency bound.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scenarioharness/internal/config"
	"scenarioharness/internal/heuristic"
	"scenarioharness/internal/invoker"
	"scenarioharness/internal/judge"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/matrix"
	"scenarioharness/internal/resolve"
	"scenarioharness/internal/retry"
	"scenarioharness/internal/store"
	"scenarioharness/internal/types"
	"scenarioharness/internal/usage"
)

// State is the lifecycle state of one attempt.
type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Judge is the blind judge as seen by the runner. It receives only the two
// texts under review.
type Judge interface {
	Judge(ctx context.Context, promptText, responseText string) (judge.Verdict, error)
}

// Stats counts what a run did.
type Stats struct {
	Planned    int
	Skipped    int
	Completed  int
	Failed     int
	Labeled    int
	Backfilled int
	Duplicates int
}

type counters struct {
	completed  atomic.Int64
	failed     atomic.Int64
	labeled    atomic.Int64
	backfilled atomic.Int64
	duplicates atomic.Int64
}

// RunContext carries everything one run invocation needs. It is created per
// run and passed explicitly.
type RunContext struct {
	RunID       string
	SuiteName   string
	ProviderKey string
	JudgeKey    string
	ConfigPath  string
	CodeVersion string
	Replicates  int

	Attempts *store.AttemptStore
	Labels   *store.LabelStore
	Meta     *store.Log[types.RunMeta]

	// Invoker is the bare transport; Policy bounds its retries.
	Invoker     invoker.Invoker
	Policy      retry.Policy
	Judge       Judge // nil when the suite has no enabled judge
	Classifier  *heuristic.Classifier
	Resolver    *resolve.Resolver
	Concurrency int
	Usage       *usage.Tracker // optional

	Now func() time.Time

	runCfg    config.RunConfig
	threshold float64
	log       *logging.Logger
	count     counters
}

func (rc *RunContext) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now().UTC()
}

func (rc *RunContext) logger() *logging.Logger {
	if rc.log == nil {
		rc.log = logging.Get(logging.CategoryRun).With(zap.String("run_id", rc.RunID))
	}
	return rc.log
}

// Run executes every planned attempt that is not already completed, then
// backfills labels for completed attempts that lack one. Cancelling ctx stops
// scheduling; attempts already in flight finish and are persisted. A store
// error aborts the run and is returned.
func (rc *RunContext) Run(ctx context.Context, specs []matrix.AttemptSpec) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryRun, "run "+rc.RunID)
	defer timer.StopWithInfo()
	log := rc.logger()

	slots := matrix.Slots(specs)
	if err := rc.checkSlots(slots); err != nil {
		return Stats{}, err
	}

	var pending []matrix.AttemptSpec
	for _, spec := range specs {
		if spec.Key.RunID != rc.RunID {
			return Stats{}, fmt.Errorf("attempt %s does not belong to run %s", spec.Key, rc.RunID)
		}
		if rc.Attempts.Completed(spec.Key) {
			logging.RunDebug("Skipping completed attempt %s", spec.Key)
			continue
		}
		pending = append(pending, spec)
	}
	stats := Stats{Planned: len(specs), Skipped: len(specs) - len(pending)}
	log.Info("Run planned=%d pending=%d skipped=%d concurrency=%d", stats.Planned, len(pending), stats.Skipped, rc.concurrency())
	if rc.Judge == nil {
		log.Warn("Suite %s has no enabled judge; labels come from heuristics only", rc.SuiteName)
	}

	if err := rc.writeMeta(len(specs), len(pending), slots); err != nil {
		return stats, err
	}

	// In-flight calls outlive cancellation so their results are persisted.
	callCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.concurrency())
	for _, spec := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return rc.execute(callCtx, spec)
		})
	}
	err := g.Wait()
	rc.saveUsage()
	stats = rc.fill(stats)
	if err != nil {
		log.Error("Run aborted: %v", err)
		return stats, err
	}
	if ctx.Err() != nil {
		log.Warn("Run interrupted: completed=%d failed=%d", stats.Completed, stats.Failed)
		return stats, ctx.Err()
	}

	err = rc.Backfill(ctx)
	rc.saveUsage()
	if err != nil {
		return rc.fill(stats), err
	}
	stats = rc.fill(stats)
	log.Info("Run finished: completed=%d failed=%d labeled=%d backfilled=%d", stats.Completed, stats.Failed, stats.Labeled, stats.Backfilled)
	return stats, nil
}

func (rc *RunContext) saveUsage() {
	if rc.Usage == nil {
		return
	}
	if err := rc.Usage.Save(); err != nil {
		rc.logger().Warn("Failed to save token usage: %v", err)
	}
}

func (rc *RunContext) concurrency() int {
	if rc.Concurrency < 1 {
		return 1
	}
	return rc.Concurrency
}

func (rc *RunContext) fill(s Stats) Stats {
	s.Completed = int(rc.count.completed.Load())
	s.Failed = int(rc.count.failed.Load())
	s.Labeled = int(rc.count.labeled.Load())
	s.Backfilled = int(rc.count.backfilled.Load())
	s.Duplicates = int(rc.count.duplicates.Load())
	return s
}

// checkSlots refuses a plan whose attempt_index layout contradicts the one
// recorded by an earlier invocation of the same run. Extending the layout
// (more replicates) is allowed; reassigning an index is not, since its
// completed attempt would be taken for a different slot.
func (rc *RunContext) checkSlots(slots []string) error {
	if rc.Meta == nil {
		return nil
	}
	var prev []string
	for meta, err := range rc.Meta.Iterate() {
		if err != nil {
			return err
		}
		if meta.RunID == rc.RunID && len(meta.Slots) > 0 {
			prev = meta.Slots
		}
	}
	for i := range min(len(prev), len(slots)) {
		if prev[i] != slots[i] {
			return &config.ConfigError{
				Field: "suites",
				Err: fmt.Errorf("run %s: attempt_index %d was %s and is now %s; models, temperatures and their order must not change on resume",
					rc.RunID, i, prev[i], slots[i]),
			}
		}
	}
	return nil
}

func (rc *RunContext) writeMeta(planned, pending int, slots []string) error {
	if rc.Meta == nil {
		return nil
	}
	meta := types.RunMeta{
		RunID:        rc.RunID,
		SuiteName:    rc.SuiteName,
		ProviderKey:  rc.ProviderKey,
		JudgeKey:     rc.JudgeKey,
		ConfigPath:   rc.ConfigPath,
		Replicates:   rc.Replicates,
		CodeVersion:  rc.CodeVersion,
		PlannedCount: planned,
		PendingCount: pending,
		StartedAt:    rc.now(),
		Slots:        slots,
	}
	if err := rc.Meta.Append(meta); err != nil {
		return fmt.Errorf("failed to write run meta: %w", err)
	}
	return nil
}

// execute runs one attempt through its state machine.
func (rc *RunContext) execute(ctx context.Context, spec matrix.AttemptSpec) error {
	log := rc.logger().With(
		zap.String("attempt", spec.Key.String()),
		zap.String("model", spec.Model),
		zap.Float64("temperature", spec.Temperature),
		zap.String("prompt_hash", spec.PromptHash),
	)
	log.Debug("Attempt %s", StatePending)

	req := invoker.Request{
		Model:       spec.Model,
		Prompt:      spec.PromptText,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
		TopP:        spec.TopP,
	}
	tries := 0
	resp, err := retry.Do(ctx, rc.Policy, "attempt "+spec.Key.String(), invoker.Classify, func(ctx context.Context) (invoker.Response, error) {
		tries++
		log.Debug("Attempt %s (try %d)", StateSent, tries)
		return rc.Invoker.Invoke(ctx, req)
	})

	rec := types.AttemptRecord{
		RunID:        spec.Key.RunID,
		ScenarioID:   spec.Key.ScenarioID,
		FrameID:      spec.Key.FrameID,
		AttemptIndex: spec.Key.AttemptIndex,
		PromptText:   spec.PromptText,
		ModelName:    spec.Model,
		Status:       types.StatusCompleted,
		CreatedAt:    rc.now(),
	}
	if err != nil {
		rec.Status = types.StatusFailed
		log.Warn("Attempt %s after %d tries: %v", StateFailed, tries, err)
	} else {
		rec.ResponseText = resp.Text
	}

	if err := rc.Attempts.Append(rec); err != nil {
		var dup *store.DuplicateKeyError
		if errors.As(err, &dup) {
			rc.count.duplicates.Add(1)
			log.Info("Attempt already completed, skipping: %v", err)
			return nil
		}
		return fmt.Errorf("failed to persist attempt %s: %w", spec.Key, err)
	}

	if rec.Status == types.StatusFailed {
		rc.count.failed.Add(1)
		return nil
	}
	rc.count.completed.Add(1)
	log.Debug("Attempt %s response_len=%d", StateCompleted, len(rec.ResponseText))

	if err := rc.label(ctx, rec); err != nil {
		return err
	}
	rc.count.labeled.Add(1)
	return nil
}

// label classifies a completed attempt and appends its label record.
func (rc *RunContext) label(ctx context.Context, rec types.AttemptRecord) error {
	h := rc.Classifier.Classify(rec.ResponseText)

	v := judge.Unavailable
	if rc.Judge != nil {
		var err error
		v, err = rc.Judge.Judge(ctx, rec.PromptText, rec.ResponseText)
		if err != nil {
			logging.JudgeDebug("Judge failed for %s, using heuristic fallback: %v", rec.Key(), err)
			v = judge.Unavailable
		}
	}

	label, err := rc.Resolver.Resolve(rec.Key(), h, v)
	if err != nil {
		return fmt.Errorf("failed to persist label %s: %w", rec.Key(), err)
	}
	rc.logger().Debug("Labeled %s final=%s reason=%s", rec.Key(), label.FinalLabel, label.ResolutionReason)
	return nil
}

// Backfill labels every completed attempt of this run that has no label.
// It covers a crash between the attempt append and the label append.
func (rc *RunContext) Backfill(ctx context.Context) error {
	current, err := store.CurrentAttempts(rc.Attempts.Iterate())
	if err != nil {
		return err
	}

	var missing []types.AttemptRecord
	for key, rec := range current {
		if key.RunID == rc.RunID && rec.Status == types.StatusCompleted && !rc.Labels.HasLabel(key) {
			missing = append(missing, rec)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	rc.logger().Info("Backfilling %d missing labels", len(missing))

	callCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.concurrency())
	for _, rec := range missing {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := rc.label(callCtx, rec); err != nil {
				return err
			}
			rc.count.backfilled.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
