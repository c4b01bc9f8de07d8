package store

import (
	"iter"
	"sync"

	"scenarioharness/internal/logging"
	"scenarioharness/internal/types"
)

// LabelStore is the append-only re-labeling log. Several records may exist
// per key; the current one is chosen by LatestLabels.
type LabelStore struct {
	log *Log[types.LabelRecord]

	mu      sync.RWMutex
	labeled map[types.AttemptKey]struct{}
}

// OpenLabelStore opens the label log at path.
func OpenLabelStore(path string) (*LabelStore, error) {
	l, err := OpenLog[types.LabelRecord](path)
	if err != nil {
		return nil, err
	}
	s := &LabelStore{log: l, labeled: make(map[types.AttemptKey]struct{})}
	for rec, err := range l.Iterate() {
		if err != nil {
			l.Close()
			return nil, err
		}
		s.labeled[rec.Key()] = struct{}{}
	}
	logging.Store("Label store %s: %d labeled keys", path, len(s.labeled))
	return s, nil
}

// Append durably records a label.
func (s *LabelStore) Append(rec types.LabelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.labeled[rec.Key()] = struct{}{}
	logging.StoreDebug("Appended label %s final=%s reason=%s", rec.Key(), rec.FinalLabel, rec.ResolutionReason)
	return nil
}

// HasLabel reports whether any label exists for key.
func (s *LabelStore) HasLabel(key types.AttemptKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.labeled[key]
	return ok
}

// Iterate yields records in append order.
func (s *LabelStore) Iterate() iter.Seq2[types.LabelRecord, error] {
	return s.log.Iterate()
}

// Path returns the log file path.
func (s *LabelStore) Path() string { return s.log.Path() }

// Close closes the log.
func (s *LabelStore) Close() error { return s.log.Close() }

// LatestLabels keeps the label with the latest labeled_at per key. Ties go to
// the record appended later.
func LatestLabels(records iter.Seq2[types.LabelRecord, error]) (map[types.AttemptKey]types.LabelRecord, error) {
	latest := make(map[types.AttemptKey]types.LabelRecord)
	for rec, err := range records {
		if err != nil {
			return nil, err
		}
		key := rec.Key()
		if prev, ok := latest[key]; ok && rec.LabeledAt.Before(prev.LabeledAt) {
			continue
		}
		latest[key] = rec
	}
	return latest, nil
}
