package query

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamcache/streamcache/cmd"
	"github.com/streamcache/streamcache/cmd/util"
	"github.com/streamcache/streamcache/pkg/coordinator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// ants starts its package-level default pool in init.
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
		goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
	)
}

const people = `[
	{"_id":"p1","firstName":"Chanti","surName":"Chris","amount":5},
	{"_id":"p2","firstName":"Chris","surName":"Chanti","amount":15}
]`

func writeSeed(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "people.json")
	require.NoError(t, os.WriteFile(path, []byte(people), 0600))
	return path
}

func execute(t *testing.T, args ...string) (*coordinator.Result, error) {
	t.Helper()
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigDir(t)

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(NewQueryCommand())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"query", "--log-level", "none"}, args...))

	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}

	var res coordinator.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	return &res, nil
}

func TestQueryCommand(t *testing.T) {
	seed := writeSeed(t)

	t.Run("resolve", func(t *testing.T) {
		res, err := execute(t,
			"--seed", seed,
			"--collection", "people",
			"--filter", `{"firstName":{"$regex":"Chris"}}`,
			"--expression", "doc.surName",
		)
		require.NoError(t, err)
		require.Equal(t, coordinator.SourceExecution, res.Source)
		require.Equal(t, []any{"Chanti"}, res.Values)
		require.NotZero(t, res.Fingerprint)
	})

	t.Run("reduce", func(t *testing.T) {
		res, err := execute(t,
			"--seed", seed,
			"--collection", "people",
			"--kind", "reduce",
			"--expression", "acc + doc.amount",
			"--initial-value", "0",
		)
		require.NoError(t, err)
		require.Equal(t, []any{20.0}, res.Values)
	})

	t.Run("map_with_limit", func(t *testing.T) {
		res, err := execute(t,
			"--seed", seed,
			"--collection", "people",
			"--kind", "map",
			"--expression", `doc.firstName + " " + doc.surName`,
			"--order", "1",
			"--limit", "1",
		)
		require.NoError(t, err)
		require.Equal(t, []any{"Chanti Chris"}, res.Values)
	})
}

func TestQueryCommandRejectsInvalidInput(t *testing.T) {
	tests := map[string]struct {
		args    []string
		wantErr string
	}{
		"missing_collection": {
			args:    []string{"--expression", "doc.a"},
			wantErr: "'--collection' is required",
		},
		"malformed_filter": {
			args:    []string{"--collection", "people", "--filter", "{", "--expression", "doc.a"},
			wantErr: "invalid '--filter'",
		},
		"unknown_kind": {
			args:    []string{"--collection", "people", "--kind", "sort", "--expression", "doc.a"},
			wantErr: "unknown operation kind 'sort'",
		},
		"empty_expression": {
			args:    []string{"--collection", "people"},
			wantErr: "expression is empty",
		},
		"invalid_config": {
			args:    []string{"--collection", "people", "--expression", "doc.a", "--execution-order", "2"},
			wantErr: "config 'execution.order' must be 1 or -1",
		},
		"missing_seed": {
			args:    []string{"--collection", "people", "--expression", "doc.a", "--seed", "/does/not/exist.json"},
			wantErr: "failed to read seed file",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, test.args...)
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}
