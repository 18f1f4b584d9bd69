package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestPrepareTempConfigFile(t *testing.T) {
	PrepareTempConfigFile(t, "log:\n  level: debug\n")

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(home, ".streamcache", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "log:\n  level: debug\n", string(contents))
}

func TestMustBind(t *testing.T) {
	t.Cleanup(viper.Reset)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")

	MustBindPFlag("log.level", flags.Lookup("log-level"))
	require.Equal(t, "info", viper.GetString("log.level"))

	require.NoError(t, flags.Set("log-level", "warn"))
	require.Equal(t, "warn", viper.GetString("log.level"))

	t.Setenv("TEST_MUST_BIND_ENV", "value")
	MustBindEnv("some.key", "TEST_MUST_BIND_ENV")
	require.Equal(t, "value", viper.GetString("some.key"))

	require.Panics(t, func() {
		MustBindPFlag("log.format", nil)
	})
}

func TestMustBindAll(t *testing.T) {
	t.Cleanup(viper.Reset)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("cache-ttl", 0, "")

	t.Setenv("TEST_CACHE_TTL", "1m")
	t.Setenv("TEST_EXECUTION_MAX_PARALLEL", "3")

	MustBindAll(flags, []Binding{
		{Key: "cache.ttl", Flag: "cache-ttl", Env: []string{"TEST_CACHE_TTL"}},
		{Key: "execution.maxParallel", Flag: "execution-max-parallel", Env: []string{"TEST_EXECUTION_MAX_PARALLEL"}},
	})

	require.Equal(t, "1m", viper.GetString("cache.ttl"))
	require.Equal(t, 3, viper.GetInt("execution.maxParallel"))

	require.NoError(t, flags.Set("cache-ttl", "5s"))
	require.Equal(t, "5s", viper.GetDuration("cache.ttl").String())
}
