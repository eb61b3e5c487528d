package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeFileExplicitFalse(t *testing.T) {
	dst := File{
		CleanBuild:  ptrBool(true),
		Refilter:    ptrBool(true),
		EmergeBools: map[string]bool{"usepkg": true},
		TarFilter:   FilterOptions{Whiteout: ptrBool(true), Dev: ptrBool(true)},
	}
	src := File{
		CleanBuild:  ptrBool(false),
		EmergeBools: map[string]bool{"usepkg": false},
		TarFilter:   FilterOptions{Dev: ptrBool(false)},
	}

	require.NoError(t, mergeFile(&dst, src))
	require.False(t, boolVal(dst.CleanBuild))
	require.False(t, dst.EmergeBools["usepkg"])
	require.False(t, boolVal(dst.TarFilter.Dev))
	// Fields the source leaves unset keep the destination's values.
	require.True(t, boolVal(dst.Refilter))
	require.True(t, boolVal(dst.TarFilter.Whiteout))
}

func TestResolveDoesNotMutateDefaults(t *testing.T) {
	d := builtinDefaults()
	d.Seeds = map[string]SeedDefaults{
		"musl": {File: File{
			CleanBuild:  ptrBool(false),
			EmergeBools: map[string]bool{"getbinpkg": true},
		}},
	}

	resolved, err := d.Resolve("musl", "")
	require.NoError(t, err)
	require.False(t, boolVal(resolved.CleanBuild))
	require.True(t, resolved.EmergeBools["getbinpkg"])

	// Resolving one seed must not leak its overrides into the shared
	// table: the next resolution still sees the builtins.
	resolved, err = d.Resolve("glibc", "")
	require.NoError(t, err)
	require.True(t, boolVal(resolved.CleanBuild))
	_, ok := resolved.EmergeBools["getbinpkg"]
	require.False(t, ok)

	require.True(t, boolVal(d.File.CleanBuild))
}
