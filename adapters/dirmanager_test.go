package adapters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDirManagerCreatesSubtrees(t *testing.T) {
	root := t.TempDir()
	dirs, err := NewDirManager(root)
	require.NoError(t, err)

	for _, sub := range []string{"resources", "outputs", "tmp"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	require.Equal(t, filepath.Join(root, "resources", "task-1"), dirs.NetworkResourcesDir("task-1"))
	require.Equal(t, filepath.Join(root, "outputs", "task-1"), dirs.SubtasksOutputsDir("task-1"))
	require.Equal(t, filepath.Join(root, "tmp", "task-1"), dirs.TemporaryDir("task-1"))
}

func TestClearTemporaryResetsPriorContents(t *testing.T) {
	root := t.TempDir()
	dirs, err := NewDirManager(root)
	require.NoError(t, err)

	require.NoError(t, dirs.ClearTemporary("task-1"))
	leftover := filepath.Join(dirs.TemporaryDir("task-1"), "stale.txt")
	require.NoError(t, os.WriteFile(leftover, []byte("stale"), 0o644))

	require.NoError(t, dirs.ClearTemporary("task-1"))

	_, err = os.Stat(leftover)
	require.True(t, os.IsNotExist(err))
	info, err := os.Stat(dirs.TemporaryDir("task-1"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
