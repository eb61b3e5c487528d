package builder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/log"
)

const worldFile = "var/lib/portage/world"

// worldSet reads the portage world entries under root. A missing world
// file is an empty set.
func worldSet(root string) (map[string]struct{}, error) {
	world := make(map[string]struct{})
	f, err := os.Open(filepath.Join(root, worldFile))
	if err != nil {
		if os.IsNotExist(err) {
			return world, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if entry := scanner.Text(); entry != "" {
			world[entry] = struct{}{}
		}
	}
	return world, scanner.Err()
}

// restoreWorld re-appends world entries that a base extraction clobbered.
// Base layers may ship their own world file which overwrites the merged
// one; selections made by earlier bases must survive.
func restoreWorld(ctx context.Context, root string, before map[string]struct{}) error {
	after, err := worldSet(root)
	if err != nil {
		return err
	}
	var missing []string
	for entry := range before {
		if _, ok := after[entry]; !ok {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	path := filepath.Join(root, worldFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	for _, entry := range missing {
		log.G(ctx).Infof("Adding %s to world file", entry)
		if _, err := f.WriteString(entry + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
