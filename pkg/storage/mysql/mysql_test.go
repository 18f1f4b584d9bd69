package mysql

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/sqlcommon"
	"github.com/streamcache/streamcache/pkg/storage/test"
	storagefixtures "github.com/streamcache/streamcache/pkg/testfixtures/storage"
)

func TestMySQLDatastore(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "mysql")

	uri := testDatastore.GetConnectionURI(true)
	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	status, err := ds.IsReady(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsReady)

	test.RunCacheStoreTests(t, ds)
	test.RunDocumentStoreTests(t, ds)
}

func TestHandleSQLError(t *testing.T) {
	t.Run("duplicate_entry_returns_collision", func(t *testing.T) {
		duplicateKeyError := &mysql.MySQLError{
			Number:  1062,
			Message: "Duplicate entry '' for key ''",
		}
		require.ErrorIs(t, HandleSQLError(duplicateKeyError), storage.ErrCollision)
	})

	t.Run("no_rows_returns_not_found", func(t *testing.T) {
		require.ErrorIs(t, HandleSQLError(sql.ErrNoRows), storage.ErrNotFound)
	})

	t.Run("other_errors_are_wrapped", func(t *testing.T) {
		cause := errors.New("bad connection")
		err := HandleSQLError(cause)
		require.ErrorIs(t, err, cause)
		require.NotErrorIs(t, err, storage.ErrCollision)
	})
}

func TestMySQLMigrationProviderPrepareURI(t *testing.T) {
	provider := NewMySQLMigrationProvider()
	require.Equal(t, "mysql", provider.GetSupportedEngine())

	uri, err := provider.prepareURI(storage.MigrationConfig{
		URI:      "root:secret@tcp(localhost:3306)/streamcache",
		Username: "app",
	})
	require.NoError(t, err)
	require.Contains(t, uri, "app:secret@tcp(localhost:3306)/streamcache")

	_, err = provider.prepareURI(storage.MigrationConfig{URI: "::not a dsn"})
	require.Error(t, err)
}
