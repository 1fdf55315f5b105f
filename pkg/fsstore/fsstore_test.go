package fsstore_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "widget.json")

	require.NoError(t, fsstore.WriteJSON(path, widget{Name: "a", Count: 1}))

	var got widget
	ok, err := fsstore.ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, widget{Name: "a", Count: 1}, got)
}

func TestReadJSONMissingFileReturnsNoValue(t *testing.T) {
	dir := t.TempDir()
	var got widget
	ok, err := fsstore.ReadJSON(filepath.Join(dir, "missing.json"), &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadJSONCorruptReturnsErrCorruptNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var got widget
	ok, err := fsstore.ReadJSON(path, &got)
	assert.False(t, ok)
	assert.ErrorIs(t, err, fsstore.ErrCorrupt)
}

func TestWriteJSONNoTornReadUnderRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.json")

	for i := 0; i < 50; i++ {
		require.NoError(t, fsstore.WriteJSON(path, widget{Name: "a", Count: i}))
		var got widget
		ok, err := fsstore.ReadJSON(path, &got)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, got.Count)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestAppendJSONLAndReadJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.jsonl")

	for i := 0; i < 3; i++ {
		require.NoError(t, fsstore.AppendJSONL(path, widget{Name: "e", Count: i}))
	}

	var counts []int
	err := fsstore.ReadJSONL(path, func(line []byte) error {
		var w widget
		if err := json.Unmarshal(line, &w); err != nil {
			return err
		}
		counts = append(counts, w.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, counts)
}

func TestReadJSONLToleratesTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.jsonl")

	require.NoError(t, fsstore.AppendJSONL(path, widget{Name: "e", Count: 1}))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"name":"e","count":2`) // no trailing newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var counts []int
	err = fsstore.ReadJSONL(path, func(line []byte) error {
		var w widget
		if err := json.Unmarshal(line, &w); err != nil {
			return err
		}
		counts = append(counts, w.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, counts)
}

func TestReadJSONLFromResumesAtOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.jsonl")

	require.NoError(t, fsstore.AppendJSONL(path, widget{Name: "e", Count: 1}))
	off, err := fsstore.ReadJSONLFrom(path, 0, func(line []byte) error { return nil })
	require.NoError(t, err)

	require.NoError(t, fsstore.AppendJSONL(path, widget{Name: "e", Count: 2}))

	var counts []int
	_, err = fsstore.ReadJSONLFrom(path, off, func(line []byte) error {
		var w widget
		if err := json.Unmarshal(line, &w); err != nil {
			return err
		}
		counts = append(counts, w.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, counts)
}
