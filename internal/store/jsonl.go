// Package store implements the append-only JSONL logs behind the attempt and
// label stores.
//
// A Log has one writer per process. Every Append is a single write of one
// newline-terminated JSON document followed by fsync, serialized by a mutex.
// Readers snapshot the file size when iteration starts and only yield
// newline-terminated lines, so a record that is still being written is never
// observed. A torn trailing fragment left by a crash is truncated when the
// next writer opens the log.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"scenarioharness/internal/logging"
)

// Log is an append-only JSONL file of records of type T.
type Log[T any] struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenLog creates or opens the log at path for appending. Missing parent
// directories are created.
func OpenLog[T any](path string) (*Log[T], error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := repairTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	logging.StoreDebug("Opened log %s", path)
	return &Log[T]{path: path, f: f}, nil
}

// Path returns the file backing the log.
func (l *Log[T]) Path() string { return l.path }

// Append writes rec as one line and syncs it to disk before returning.
func (l *Log[T]) Append(rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("failed to append to %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", l.path, err)
	}
	return nil
}

// Iterate reads the records that were complete when iteration started.
func (l *Log[T]) Iterate() iter.Seq2[T, error] {
	return ReadLog[T](l.path)
}

// Close closes the underlying file.
func (l *Log[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLog iterates the records of the log at path without opening it for
// writing. A missing file is an empty log. Decoding stops at the first
// complete line that is not valid JSON for T, which is yielded as a
// *StoreCorruptionError.
func ReadLog[T any](path string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			yield(zero, fmt.Errorf("failed to open log: %w", err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield(zero, fmt.Errorf("failed to stat log: %w", err))
			return
		}

		r := bufio.NewReader(io.LimitReader(f, info.Size()))
		lineNo := 0
		for {
			line, err := r.ReadBytes('\n')
			if err == io.EOF {
				// Anything left without a newline is an unacknowledged write.
				return
			}
			if err != nil {
				yield(zero, fmt.Errorf("failed to read log: %w", err))
				return
			}
			lineNo++
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var rec T
			if err := json.Unmarshal(line, &rec); err != nil {
				yield(zero, &StoreCorruptionError{Path: path, Line: lineNo, Err: err})
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// repairTail truncates a trailing fragment that lacks its newline.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open log for repair: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("failed to read log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	keep, err := lastNewlineEnd(f, size)
	if err != nil {
		return err
	}
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("failed to truncate torn tail: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	logging.StoreWarn("Truncated %d-byte torn tail from %s", size-keep, path)
	return nil
}

// lastNewlineEnd returns the offset just past the last '\n' before size, or
// 0 if the file has none.
func lastNewlineEnd(f *os.File, size int64) (int64, error) {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("failed to scan log tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}
