package store

import (
	"fmt"
	"iter"
	"sync"

	"scenarioharness/internal/logging"
	"scenarioharness/internal/types"
)

// AttemptStore is the append-only log of attempt executions. A key may carry
// any number of failed records but at most one completed record.
type AttemptStore struct {
	log *Log[types.AttemptRecord]

	mu        sync.RWMutex
	seen      map[types.AttemptKey]struct{}
	completed map[types.AttemptKey]struct{}
}

// OpenAttemptStore opens the log at path and indexes the keys it holds.
func OpenAttemptStore(path string) (*AttemptStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenAttemptStore")
	defer timer.Stop()

	l, err := OpenLog[types.AttemptRecord](path)
	if err != nil {
		return nil, err
	}
	s := &AttemptStore{
		log:       l,
		seen:      make(map[types.AttemptKey]struct{}),
		completed: make(map[types.AttemptKey]struct{}),
	}
	for rec, err := range l.Iterate() {
		if err != nil {
			l.Close()
			return nil, err
		}
		s.index(rec)
	}
	logging.Store("Attempt store %s: %d keys, %d completed", path, len(s.seen), len(s.completed))
	return s, nil
}

func (s *AttemptStore) index(rec types.AttemptRecord) {
	key := rec.Key()
	s.seen[key] = struct{}{}
	if rec.Status == types.StatusCompleted {
		s.completed[key] = struct{}{}
	}
}

// Append durably records an attempt. It returns *DuplicateKeyError when the
// key already has a completed record.
func (s *AttemptStore) Append(rec types.AttemptRecord) error {
	if rec.Status != types.StatusCompleted && rec.Status != types.StatusFailed {
		return fmt.Errorf("invalid attempt status %q", rec.Status)
	}
	key := rec.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.completed[key]; done {
		return &DuplicateKeyError{Key: key}
	}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.index(rec)
	logging.StoreDebug("Appended attempt %s status=%s", key, rec.Status)
	return nil
}

// Exists reports whether any record exists for key.
func (s *AttemptStore) Exists(key types.AttemptKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[key]
	return ok
}

// Completed reports whether key has a completed record.
func (s *AttemptStore) Completed(key types.AttemptKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completed[key]
	return ok
}

// Iterate yields records in append order.
func (s *AttemptStore) Iterate() iter.Seq2[types.AttemptRecord, error] {
	return s.log.Iterate()
}

// Path returns the log file path.
func (s *AttemptStore) Path() string { return s.log.Path() }

// Close closes the log.
func (s *AttemptStore) Close() error { return s.log.Close() }

// CurrentAttempts reduces a record sequence to one record per key: the
// completed record if there is one, otherwise the last appended.
func CurrentAttempts(records iter.Seq2[types.AttemptRecord, error]) (map[types.AttemptKey]types.AttemptRecord, error) {
	current := make(map[types.AttemptKey]types.AttemptRecord)
	for rec, err := range records {
		if err != nil {
			return nil, err
		}
		key := rec.Key()
		if prev, ok := current[key]; ok && prev.Status == types.StatusCompleted {
			continue
		}
		current[key] = rec
	}
	return current, nil
}
