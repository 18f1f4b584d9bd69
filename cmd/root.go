// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/streamcache/streamcache/internal/build"
)

// configFileAliases maps the flag-style keys read by the migrate command to the nested keys of
// config.yaml, so migrations pick up the datastore section of the server config.
var configFileAliases = map[string]string{
	"datastore-engine":   "datastore.engine",
	"datastore-uri":      "datastore.uri",
	"datastore-username": "datastore.username",
	"datastore-password": "datastore.password",
}

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with STREAMCACHE, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(strings.ToUpper(build.ProjectName))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, path := range []string{
		filepath.Join("/etc", build.ProjectName),
		filepath.Join("$HOME", "."+build.ProjectName),
		".",
	} {
		viper.AddConfigPath(path)
	}

	for flagKey := range configFileAliases {
		viper.SetDefault(flagKey, "")
	}
	if err := viper.ReadInConfig(); err == nil {
		for flagKey, confKey := range configFileAliases {
			if viper.IsSet(confKey) {
				viper.SetDefault(flagKey, viper.Get(confKey))
			}
		}
	}

	return &cobra.Command{
		Use:   build.ProjectName,
		Short: "A cache-coordinated streaming query engine",
		Long: `A cache-coordinated streaming query engine.

streamcache runs resolve, filter, reduce and map operations over document collections and shares
their results between callers and processes: identical queries are executed once, the callers that
arrive meanwhile await the running execution, and later callers are answered from the cache.`,
		SilenceUsage: true,
	}
}
