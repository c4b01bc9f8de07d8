package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

func collect[T any](t *testing.T, l *Log[T]) []T {
	t.Helper()
	var out []T
	for rec, err := range l.Iterate() {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestLog_AppendIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "log.jsonl")
	l, err := OpenLog[entry](path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry{ID: 1, Text: "line\nbreak"}))
	require.NoError(t, l.Append(entry{ID: 2}))

	got := collect(t, l)
	require.Len(t, got, 2)
	assert.Equal(t, "line\nbreak", got[0].Text)
	assert.Equal(t, 2, got[1].ID)

	// Iteration is restartable.
	assert.Len(t, collect(t, l), 2)
}

func TestLog_MissingFileIsEmpty(t *testing.T) {
	n := 0
	for _, err := range ReadLog[entry](filepath.Join(t.TempDir(), "none.jsonl")) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
}

func TestLog_PartialTailInvisibleToReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1}`+"\n"+`{"id":2,"te`), 0644))

	var ids []int
	for rec, err := range ReadLog[entry](path) {
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []int{1}, ids)
}

func TestLog_TornTailTruncatedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1}`+"\n"+`{"id":2,"te`), 0644))

	l, err := OpenLog[entry](path)
	require.NoError(t, err)
	require.NoError(t, l.Append(entry{ID: 3}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`+"\n"+`{"id":3,"text":""}`+"\n", string(data))
}

func TestLog_TornTailWithoutAnyNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":`), 0644))

	l, err := OpenLog[entry](path)
	require.NoError(t, err)
	defer l.Close()
	assert.Empty(t, collect(t, l))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestLog_CorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1}`+"\nnot json\n"+`{"id":3}`+"\n"), 0644))

	var ids []int
	var gotErr error
	for rec, err := range ReadLog[entry](path) {
		if err != nil {
			gotErr = err
			break
		}
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []int{1}, ids)

	var corrupt *StoreCorruptionError
	require.True(t, errors.As(gotErr, &corrupt))
	assert.Equal(t, 2, corrupt.Line)
	assert.Equal(t, path, corrupt.Path)
}

func TestLog_ConcurrentAppends(t *testing.T) {
	l, err := OpenLog[entry](filepath.Join(t.TempDir(), "log.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, l.Append(entry{ID: id, Text: "payload"}))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, rec := range collect(t, l) {
		seen[rec.ID] = true
	}
	assert.Len(t, seen, n)
}

func TestLog_AppendAfterClose(t *testing.T) {
	l, err := OpenLog[entry](filepath.Join(t.TempDir(), "log.jsonl"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(entry{ID: 1}), ErrClosed)
}
