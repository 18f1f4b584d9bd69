// Package util provides common utilities for spf13/cobra CLI utilities
// that can be used for various commands within this project.
package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// Binding ties a config key to the flag and the environment variables that can set it.
type Binding struct {
	Key  string
	Flag string
	Env  []string
}

// MustBindAll binds every key to its environment variables, and to its flag when flags
// defines it. Keys without a flag are left to the config file and the environment.
func MustBindAll(flags *pflag.FlagSet, bindings []Binding) {
	for _, b := range bindings {
		MustBindEnv(append([]string{b.Key}, b.Env...)...)
		if flag := flags.Lookup(b.Flag); flag != nil {
			MustBindPFlag(b.Key, flag)
		}
	}
}

// PrepareTempConfigDir points $HOME to a temporary directory and returns the streamcache
// config directory inside it.
func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/streamcache/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/streamcache/config.yaml would disturb test result.")

	homedir := t.TempDir()
	t.Setenv("HOME", homedir)

	confdir := filepath.Join(homedir, ".streamcache")
	require.NoError(t, os.Mkdir(confdir, 0750))

	return confdir
}

func PrepareTempConfigFile(t *testing.T, config string) {
	confdir := PrepareTempConfigDir(t)
	confFile, err := os.Create(filepath.Join(confdir, "config.yaml"))
	require.NoError(t, err)
	_, err = confFile.WriteString(config)
	require.NoError(t, err)
	require.NoError(t, confFile.Close())
}
