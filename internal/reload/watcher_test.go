package reload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openstim/stimflow/config"
)

func TestWatcherDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stimflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  frequency: 30.0\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	watcher, err := NewWatcher(path, cfg)
	require.NoError(t, err)

	changed, err := watcher.Check()
	require.NoError(t, err)
	require.Empty(t, changed)

	// Different content length guarantees detection regardless of the
	// filesystem's mtime resolution.
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  frequency: 42.0\n# touched\n"), 0o644))

	changed, err = watcher.Check()
	require.NoError(t, err)
	require.Equal(t, []string{path}, changed)

	require.NoError(t, watcher.Update(path, cfg))
	changed, err = watcher.Check()
	require.NoError(t, err)
	require.Empty(t, changed)
}

func TestWatcherMissingFileReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stimflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  frequency: 30.0\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	watcher, err := NewWatcher(path, cfg)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	changed, err := watcher.Check()
	require.NoError(t, err)
	require.Equal(t, []string{path}, changed)
}
