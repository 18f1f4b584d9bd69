package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/streamcache/streamcache/cmd"
	"github.com/streamcache/streamcache/cmd/cache"
	"github.com/streamcache/streamcache/cmd/migrate"
	"github.com/streamcache/streamcache/cmd/query"
	"github.com/streamcache/streamcache/cmd/run"
)

func main() {
	rootCmd := newCommand()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(run.NewRunCommand())
	rootCmd.AddCommand(migrate.NewMigrateCommand())
	rootCmd.AddCommand(query.NewQueryCommand())
	rootCmd.AddCommand(cache.NewCacheCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	return rootCmd
}
