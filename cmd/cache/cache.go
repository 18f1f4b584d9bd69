// Package cache contains the commands reading and invalidating cached query results.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamcache/streamcache/cmd/run"
	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/server"
	"github.com/streamcache/streamcache/pkg/storage"
)

// NewCacheCommand returns the parent of the commands operating on the cache store. They only
// see the results cached by other processes when the cache engine is shared (redis, dynamodb or
// a sql database).
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate cached query results",
		Long:  "Inspect and invalidate the query results held by the configured cache store.",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newGetCommand(), newInvalidateCommand())

	return cmd
}

func newSubcommand(use, short string, runE func(*cobra.Command, *run.Dependencies, keys.Fingerprint) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <fingerprint>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := keys.ParseFingerprint(args[0])
			if err != nil {
				return err
			}

			cfg, err := run.ReadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Verify(); err != nil {
				return err
			}

			log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}

			deps, err := run.BuildDependencies(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer deps.Close(log)

			return runE(cmd, deps, fp)
		},
	}

	flags := cmd.Flags()
	run.AddStoreFlags(flags)
	cmd.PreRun = run.BindFlagsFunc(flags)

	return cmd
}

func newGetCommand() *cobra.Command {
	return newSubcommand("get", "Print the cached result of a fingerprint", getCachedResult)
}

func newInvalidateCommand() *cobra.Command {
	return newSubcommand("invalidate", "Delete the cache entry of a fingerprint, whatever its state", invalidate)
}

func getCachedResult(cmd *cobra.Command, deps *run.Dependencies, fp keys.Fingerprint) error {
	values, err := deps.Coordinator.GetCachedResult(cmd.Context(), fp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no cached result for fingerprint %s", fp)
		}
		return err
	}
	if values == nil {
		values = []any{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(server.CachedResultResponse{Fingerprint: fp, Values: values})
}

func invalidate(cmd *cobra.Command, deps *run.Dependencies, fp keys.Fingerprint) error {
	if err := deps.Coordinator.Invalidate(cmd.Context(), fp); err != nil {
		return err
	}

	_, err := fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", fp)
	return err
}
