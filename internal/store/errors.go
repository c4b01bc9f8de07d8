package store

import (
	"errors"
	"fmt"

	"scenarioharness/internal/types"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("store: log is closed")

// DuplicateKeyError is returned when an attempt key already has a completed
// record. Callers treat it as a no-op.
type DuplicateKeyError struct {
	Key types.AttemptKey
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate attempt key %s: a completed record already exists", e.Key)
}

// StoreCorruptionError reports a complete line that does not decode.
type StoreCorruptionError struct {
	Path string
	Line int
	Err  error
}

func (e *StoreCorruptionError) Error() string {
	return fmt.Sprintf("store corruption in %s at line %d: %v", e.Path, e.Line, e.Err)
}

func (e *StoreCorruptionError) Unwrap() error { return e.Err }
