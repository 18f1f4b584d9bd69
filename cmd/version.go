package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamcache/streamcache/internal/build"
)

// NewVersionCommand returns the command to get the streamcache version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the streamcache version",
		Long:  "Return the streamcache version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "streamcache version %s date %s commit id %s\n", build.Version, build.Date, build.Commit)
	return err
}
