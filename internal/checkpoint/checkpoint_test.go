package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FilenameEpoch(3))

	in := map[string]any{
		KeyState: map[string]any{"w": 1.5},
		KeyMeta:  map[string]any{"epoch": 3, "experiment_name": "run1"},
	}
	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)

	state, ok := out[KeyState].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.5, state["w"])

	meta, ok := out[KeyMeta].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run1", meta["experiment_name"])

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "work", FilenameIter(10))
	require.NoError(t, Save(path, map[string]any{}))
	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "epoch_1.ckpt"))
	require.Error(t, err)
}

func TestFindLatest(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{1, 3, 2} {
		require.NoError(t, Save(filepath.Join(dir, FilenameEpoch(n)), map[string]any{}))
	}
	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "best.ckpt"), nil, 0o644))

	e, ok, err := FindLatest(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, e.Number)
	assert.True(t, e.ByEpoch)
	assert.Equal(t, filepath.Join(dir, "epoch_3.ckpt"), e.Path)
}

func TestFindLatestIterBased(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(filepath.Join(dir, FilenameIter(100)), map[string]any{}))
	require.NoError(t, Save(filepath.Join(dir, FilenameIter(200)), map[string]any{}))

	e, ok, err := FindLatest(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, e.ByEpoch)
	assert.Equal(t, 200, e.Number)
}

func TestFindLatestEmptyOrMissingDir(t *testing.T) {
	_, ok, err := FindLatest(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = FindLatest(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListOrdersByNumber(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{5, 1, 3} {
		require.NoError(t, Save(filepath.Join(dir, FilenameEpoch(n)), map[string]any{}))
	}
	entries, err := List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{1, 3, 5}, []int{entries[0].Number, entries[1].Number, entries[2].Number})
}
