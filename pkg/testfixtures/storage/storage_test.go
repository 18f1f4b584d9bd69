package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/internal/build"
)

func TestRunDatastoreTestContainer(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		c := RunDatastoreTestContainer(t, "sqlite")
		require.Equal(t, build.MinimumSupportedDatastoreSchemaRevision, c.GetDatabaseSchemaVersion())

		db, err := sql.Open("sqlite", c.GetConnectionURI(true))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		var n int
		err = db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM query_cache").Scan(&n)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("memory", func(t *testing.T) {
		c := RunDatastoreTestContainer(t, "memory")
		require.Empty(t, c.GetConnectionURI(true))
		require.Zero(t, c.GetDatabaseSchemaVersion())
	})
}
