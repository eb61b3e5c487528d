package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	type testCase struct {
		name     string
		input    string
		merge    string
		expected string
	}
	for _, tc := range []testCase{
		{
			name:     "plain flags",
			input:    "ssl zstd",
			expected: "ssl zstd",
		},
		{
			name:     "negation cancels plain",
			input:    "ssl",
			merge:    "-ssl",
			expected: "-ssl",
		},
		{
			name:     "assertion cancels negation",
			input:    "-ssl",
			merge:    "+ssl",
			expected: "ssl",
		},
		{
			name:     "merge keeps unrelated",
			input:    "ssl zstd",
			merge:    "-zstd lto",
			expected: "-zstd lto ssl",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := ParseFlags(tc.input)
			f.Merge(ParseFlags(tc.merge))
			require.Equal(t, tc.expected, f.String())
		})
	}
}

func TestEmergeBoolArgs(t *testing.T) {
	args := emergeBoolArgs(map[string]bool{
		"usepkg":     true,
		"with_bdeps": false,
		"oneshot":    true,
		"nodeps":     false,
		"getbinpkg":  false,
	})
	require.Equal(t, []string{
		"--getbinpkg=n", "--oneshot", "--usepkg=y", "--with-bdeps=n",
	}, args)
}
