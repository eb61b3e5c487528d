package layer

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/desultory/gentree/pkg/filter"
	"github.com/desultory/gentree/pkg/testutil"
)

func TestPackExtractRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/hostname"), []byte("gentree\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/bin/tool"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("/usr/bin/tool", filepath.Join(root, "usr/bin/alias")))

	archive := filepath.Join(dir, "layer.tar")
	stats, err := Pack(ctx, root, archive, filter.New(filter.Pack, filter.Options{Whiteout: true, Dev: true}))
	require.NoError(t, err)
	require.Equal(t, 6, stats.Entries)
	require.Zero(t, stats.Whiteouts)
	require.NotEmpty(t, stats.Digest)

	dest := filepath.Join(dir, "dest")
	err = Extract(ctx, archive, dest, filter.New(filter.Extract, filter.Options{}), filter.NewTracker())
	require.NoError(t, err)

	dt, err := os.ReadFile(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	require.Equal(t, "gentree\n", string(dt))

	// Absolute symlinks are rewritten relative at pack time.
	link, err := os.Readlink(filepath.Join(dest, "usr/bin/alias"))
	require.NoError(t, err)
	require.Equal(t, "tool", link)
}

func TestExtractRecordsMarkers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	archive := filepath.Join(dir, "layer.tar")
	testutil.WriteTar(t, archive, []testutil.Entry{
		{Name: "etc/"},
		{Name: "etc/.wh.hostname"},
		{Name: "var/"},
		{Name: "var/cache/"},
		{Name: "var/cache/.wh..wh..opq"},
		{Name: "etc/motd", Data: "hello\n"},
	})

	dest := filepath.Join(dir, "dest")
	tracker := filter.NewTracker()
	err := Extract(ctx, archive, dest, filter.New(filter.Extract, filter.Options{}), tracker)
	require.NoError(t, err)

	require.Equal(t, []string{"etc/hostname"}, tracker.Whiteouts.Sorted())
	require.Equal(t, []string{"var/cache"}, tracker.Opaques.Sorted())

	// Markers are recorded, never materialized.
	_, err = os.Stat(filepath.Join(dest, "etc/.wh.hostname"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "var/cache/.wh..wh..opq"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "etc/motd"))
	require.NoError(t, err)
}

func TestExtractOverwriteOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := filepath.Join(dir, "first.tar")
	testutil.WriteTar(t, first, []testutil.Entry{
		{Name: "etc/"},
		{Name: "etc/motd", Data: "first\n"},
		{Name: "etc/keep", Data: "keep\n"},
	})
	second := filepath.Join(dir, "second.tar")
	testutil.WriteTar(t, second, []testutil.Entry{
		{Name: "etc/"},
		{Name: "etc/motd", Data: "second\n"},
	})

	dest := filepath.Join(dir, "dest")
	f := filter.New(filter.Extract, filter.Options{})
	require.NoError(t, Extract(ctx, first, dest, f, nil))
	require.NoError(t, Extract(ctx, second, dest, f, nil))

	dt, err := os.ReadFile(filepath.Join(dest, "etc/motd"))
	require.NoError(t, err)
	require.Equal(t, "second\n", string(dt))

	dt, err = os.ReadFile(filepath.Join(dest, "etc/keep"))
	require.NoError(t, err)
	require.Equal(t, "keep\n", string(dt))
}

func TestApplyWhiteouts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "opt/app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "opt/app/bin"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "opt/readme"), nil, 0o644))

	whiteouts := filter.NewPathSet("opt/app", "opt/app/bin", "opt/missing")
	require.NoError(t, ApplyWhiteouts(ctx, root, whiteouts))

	_, err := os.Stat(filepath.Join(root, "opt/app"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "opt/readme"))
	require.NoError(t, err)
}

func TestApplyOpaques(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "var/cache/edb"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "var/cache/stale"), nil, 0o644))

	require.NoError(t, ApplyOpaques(ctx, root, filter.NewPathSet("var/cache")))

	// The directory survives empty.
	entries, err := os.ReadDir(filepath.Join(root, "var/cache"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestComposeFull(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.tar")
	testutil.WriteTar(t, base, []testutil.Entry{
		{Name: "etc/"},
		{Name: "etc/motd", Data: "base\n"},
		{Name: "opt/"},
		{Name: "opt/legacy", Data: "legacy\n"},
	})
	top := filepath.Join(dir, "top.tar")
	testutil.WriteTar(t, top, []testutil.Entry{
		{Name: "etc/"},
		{Name: "etc/motd", Data: "top\n"},
		{Name: "opt/.wh.legacy"},
	})

	dest := filepath.Join(dir, "full.tar")
	desc, err := ComposeFull(ctx, []string{base, top}, dest, ComposeOpts{
		Whiteouts: filter.NewPathSet(),
	})
	require.NoError(t, err)
	require.Equal(t, "application/vnd.oci.image.layer.v1.tar", desc.MediaType)

	names := testutil.ListTar(t, dest)
	require.Equal(t, []string{"etc/", "etc/motd", "opt/", "etc/motd"}, names)

	// The last provider of a path wins on extraction.
	require.Equal(t, "top\n", testutil.ReadTarFile(t, dest, "etc/motd"))

	// The descriptor is written beside the archive.
	_, err = os.Stat(dest + ".json")
	require.NoError(t, err)
}

func TestComposeFullWhiteoutSubtree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.tar")
	testutil.WriteTar(t, base, []testutil.Entry{
		{Name: "opt/"},
		{Name: "opt/app/"},
		{Name: "opt/app/bin", Data: "bin\n"},
		{Name: "opt/keep", Data: "keep\n"},
	})
	top := filepath.Join(dir, "top.tar")
	testutil.WriteTar(t, top, []testutil.Entry{
		{Name: "opt/.wh.app"},
	})

	dest := filepath.Join(dir, "full.tar")
	_, err := ComposeFull(ctx, []string{base, top}, dest, ComposeOpts{})
	require.NoError(t, err)

	names := testutil.ListTar(t, dest)
	require.NotContains(t, names, "opt/app/")
	require.NotContains(t, names, "opt/app/bin")
	require.NotContains(t, names, "opt/.wh.app")
	require.Contains(t, names, "opt/keep")
}

func TestComposeFullRefilter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.tar")
	testutil.WriteTar(t, base, []testutil.Entry{
		{Name: "usr/"},
		{Name: "usr/share/"},
		{Name: "usr/share/man/"},
		{Name: "usr/share/man/man1/"},
		{Name: "usr/share/man/man1/ls.1", Data: "man\n"},
		{Name: "usr/bin/"},
		{Name: "usr/bin/ls", Data: "ls\n"},
	})

	dest := filepath.Join(dir, "full.tar")
	_, err := ComposeFull(ctx, []string{base}, dest, ComposeOpts{
		Refilter: filter.New(filter.Pack, filter.Options{Man: true}),
	})
	require.NoError(t, err)

	names := testutil.ListTar(t, dest)
	require.NotContains(t, names, "usr/share/man/man1/ls.1")
	require.NotContains(t, names, "usr/share/man/")
	require.Contains(t, names, "usr/bin/ls")
}

func TestComposeFullCompressed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.tar")
	testutil.WriteTar(t, base, []testutil.Entry{
		{Name: "etc/"},
		{Name: "etc/motd", Data: "hello\n"},
	})

	dest := filepath.Join(dir, "full.tar.gz")
	desc, err := ComposeFull(ctx, []string{base}, dest, ComposeOpts{Compress: true})
	require.NoError(t, err)
	require.Equal(t, "application/vnd.oci.image.layer.v1.tar+gzip", desc.MediaType)

	// eachEntry tolerates compressed archives, so the composed archive can
	// itself be used as a base.
	var names []string
	err = eachEntry(dest, func(hdr *tar.Header, _ io.Reader) error {
		names = append(names, hdr.Name)
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, names, "etc/motd")
}
