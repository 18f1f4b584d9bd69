package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/internal/build"
)

func TestVersionCommand(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewVersionCommand())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "streamcache version "+build.Version)
}

func TestVersionCommandRejectsArguments(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"version", "extra"})

	require.Error(t, rootCmd.Execute())
}
