package filter

import (
	"archive/tar"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteAbsoluteSymlink(t *testing.T) {
	type testCase struct {
		name     string
		linkName string
		target   string
		expected string
	}
	for _, tc := range []testCase{
		{
			name:     "sibling directory",
			linkName: "usr/bin/foo.so",
			target:   "/usr/lib/foo.so",
			expected: "../lib/foo.so",
		},
		{
			name:     "same directory",
			linkName: "usr/lib/libfoo.so",
			target:   "/usr/lib/libfoo.so.1",
			expected: "libfoo.so.1",
		},
		{
			name:     "toplevel target",
			linkName: "usr/bin/sh",
			target:   "/bin/bash",
			expected: "../../bin/bash",
		},
		{
			name:     "relative target untouched",
			linkName: "usr/bin/vi",
			target:   "vim",
			expected: "vim",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr := &tar.Header{
				Name:     tc.linkName,
				Typeflag: tar.TypeSymlink,
				Linkname: tc.target,
			}
			out, err := rewriteAbsoluteSymlink(hdr)
			require.NoError(t, err)
			require.Equal(t, tc.expected, out.Linkname)
		})
	}
}

func TestPathStages(t *testing.T) {
	ctx := context.Background()

	type testCase struct {
		name       string
		opts       Options
		member     string
		suppressed bool
	}
	for _, tc := range []testCase{
		{
			name:       "man suppressed",
			opts:       Options{Man: true},
			member:     "usr/share/man/man1/ls.1",
			suppressed: true,
		},
		{
			name:       "man disabled",
			opts:       Options{},
			member:     "usr/share/man/man1/ls.1",
			suppressed: false,
		},
		{
			name:       "gtk docs suppressed by docs",
			opts:       Options{Docs: true},
			member:     "usr/share/gtk-doc/html/index.html",
			suppressed: true,
		},
		{
			name:       "gconv suppressed by locales",
			opts:       Options{Locales: true},
			member:     "usr/lib64/gconv/UTF-16.so",
			suppressed: true,
		},
		{
			name:       "charmaps do not match locales",
			opts:       Options{Locales: true},
			member:     "usr/share/i18n/charmaps/UTF-8.gz",
			suppressed: false,
		},
		{
			name:       "vardbpkg suppressed",
			opts:       Options{VarDBPkg: true},
			member:     "var/db/pkg/sys-apps/coreutils-9.4/CONTENTS",
			suppressed: true,
		},
		{
			name:       "unrelated path kept",
			opts:       Options{Man: true, Docs: true, Include: true},
			member:     "usr/bin/ls",
			suppressed: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := New(Pack, tc.opts)
			out, err := f.Apply(ctx, &tar.Header{Name: tc.member, Typeflag: tar.TypeReg})
			require.NoError(t, err)
			require.Equal(t, tc.suppressed, out == nil)
		})
	}
}

func TestPathStagesExtractMode(t *testing.T) {
	// Base layers were filtered when they were packed; extraction must not
	// re-apply path filters.
	f := New(Extract, Options{Man: true})
	out, err := f.Apply(context.Background(), &tar.Header{
		Name:     "usr/share/man/man1/ls.1",
		Typeflag: tar.TypeReg,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestDropDevices(t *testing.T) {
	ctx := context.Background()
	f := New(Pack, Options{Dev: true})

	out, err := f.Apply(ctx, &tar.Header{
		Name:     "dev/sda",
		Typeflag: tar.TypeBlock,
		Devmajor: 8,
	})
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = f.Apply(ctx, &tar.Header{Name: "dev/null.txt", Typeflag: tar.TypeReg})
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestDetectNativeWhiteout(t *testing.T) {
	ctx := context.Background()
	f := New(Pack, Options{Whiteout: true, Dev: true})

	type testCase struct {
		name     string
		hdr      *tar.Header
		whiteout bool
	}
	for _, tc := range []testCase{
		{
			name: "char device 0:0",
			hdr: &tar.Header{
				Name:     "etc/removed",
				Typeflag: tar.TypeChar,
			},
			whiteout: true,
		},
		{
			name: "trusted xattr",
			hdr: &tar.Header{
				Name:     "etc/removed",
				Typeflag: tar.TypeReg,
				PAXRecords: map[string]string{
					"SCHILY.xattr.trusted.overlay.whiteout": "",
				},
			},
			whiteout: true,
		},
		{
			name: "user xattr",
			hdr: &tar.Header{
				Name:     "etc/removed",
				Typeflag: tar.TypeReg,
				PAXRecords: map[string]string{
					"SCHILY.xattr.user.overlay.whiteout": "",
				},
			},
			whiteout: true,
		},
		{
			name: "plain empty file",
			hdr: &tar.Header{
				Name:     "etc/empty",
				Typeflag: tar.TypeReg,
			},
			whiteout: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Apply(ctx, tc.hdr)
			if !tc.whiteout {
				require.NoError(t, err)
				return
			}
			wh, ok := err.(*WhiteoutDetected)
			require.True(t, ok)
			marker := wh.Marker()
			require.Equal(t, "etc/.wh.removed", marker.Name)
			require.Equal(t, byte(tar.TypeReg), marker.Typeflag)
			require.Zero(t, marker.Size)
		})
	}
}

func TestMatchPath(t *testing.T) {
	opts := Options{Man: true, Completions: true}
	require.True(t, MatchPath(opts, "usr/share/man/man5/portage.5"))
	require.True(t, MatchPath(opts, "usr/share/bash-completion/completions/git"))
	require.False(t, MatchPath(opts, "usr/share/doc/README"))
	require.False(t, MatchPath(opts, "usr/bin/man"))
}
