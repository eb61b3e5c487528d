// Package testutil has small helpers for building and inspecting tar
// fixtures in tests.
package testutil

import (
	"archive/tar"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func IsIdentical(x interface{}, y interface{}, t *testing.T) {
	diff := cmp.Diff(x, y)
	if diff != "" {
		t.Fatalf(diff)
	}
}

// Entry is one tar member in a test fixture. Names ending in "/" become
// directories, a non-empty Link becomes a symlink, everything else a
// regular file with Data as content.
type Entry struct {
	Name string
	Data string
	Link string
	Mode int64
}

// WriteTar writes entries to a tar file at path.
func WriteTar(t *testing.T, path string, entries []Entry) {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.Name, Mode: entry.Mode}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		switch {
		case strings.HasSuffix(entry.Name, "/"):
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case entry.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = entry.Link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(entry.Data))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(entry.Data))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

// ListTar returns the member names of the tar file at path, in order.
func ListTar(t *testing.T, path string) []string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

// ReadTarFile returns the content of a regular file member. When a name
// appears more than once the last occurrence wins, matching extraction.
func ReadTarFile(t *testing.T, path, name string) string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var content string
	found := false
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Name == name {
			dt, err := io.ReadAll(tr)
			require.NoError(t, err)
			content = string(dt)
			found = true
		}
	}
	if !found {
		t.Fatalf("member not found in %s: %s", path, name)
	}
	return content
}
