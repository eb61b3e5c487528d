package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWorld(t *testing.T, root, content string) {
	path := filepath.Join(root, worldFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWorldSet(t *testing.T) {
	root := t.TempDir()

	// Missing world file is an empty set.
	world, err := worldSet(root)
	require.NoError(t, err)
	require.Empty(t, world)

	writeWorld(t, root, "app-editors/nano\nsys-apps/portage\n")
	world, err = worldSet(root)
	require.NoError(t, err)
	require.Len(t, world, 2)
	require.Contains(t, world, "app-editors/nano")
}

func TestRestoreWorld(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	writeWorld(t, root, "app-editors/nano\nsys-apps/portage\n")
	before, err := worldSet(root)
	require.NoError(t, err)

	// A base extraction replaced the world file with its own selections.
	writeWorld(t, root, "sys-apps/portage\nwww-servers/nginx\n")
	require.NoError(t, restoreWorld(ctx, root, before))

	after, err := worldSet(root)
	require.NoError(t, err)
	require.Len(t, after, 3)
	require.Contains(t, after, "app-editors/nano")
	require.Contains(t, after, "www-servers/nginx")
}

func TestRestoreWorldNoChanges(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	writeWorld(t, root, "app-editors/nano\n")
	before, err := worldSet(root)
	require.NoError(t, err)

	require.NoError(t, restoreWorld(ctx, root, before))
	after, err := worldSet(root)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
