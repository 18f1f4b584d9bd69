package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/sqlcommon"
	"github.com/streamcache/streamcache/pkg/storage/test"
	storagefixtures "github.com/streamcache/streamcache/pkg/testfixtures/storage"
)

func TestSQLiteDatastore(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "sqlite")

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

func TestSQLiteDatastoreAfterCloseIsNotReady(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "sqlite")

	uri := testDatastore.GetConnectionURI(true)
	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	ds.Close()

	status, err := ds.IsReady(context.Background())
	require.Error(t, err)
	require.False(t, status.IsReady)
}

func TestSQLiteConcurrentBeginInProgress(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "sqlite")

	uri := testDatastore.GetConnectionURI(true)
	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	const writers = 8
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			results <- ds.BeginInProgress(context.Background(), 42, "writer", time.Hour)
		}()
	}

	var won, lost int
	for i := 0; i < writers; i++ {
		err := <-results
		switch {
		case err == nil:
			won++
		case errors.Is(err, storage.ErrCollision):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, 1, won)
	require.Equal(t, writers-1, lost)
}

func TestHandleSQLError(t *testing.T) {
	t.Run("not_found", func(t *testing.T) {
		err := HandleSQLError(sql.ErrNoRows)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("other_errors_are_wrapped", func(t *testing.T) {
		cause := errors.New("disk I/O error")
		err := HandleSQLError(cause)
		require.ErrorIs(t, err, cause)
		require.NotErrorIs(t, err, storage.ErrCollision)
	})
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("file:test.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28WAL%29")
	require.Contains(t, dsn, "_txlock=immediate")

	dsn, err = PrepareDSN("file:test.db?_pragma=busy_timeout(10)&_txlock=deferred")
	require.NoError(t, err)
	require.Contains(t, dsn, "busy_timeout%2810%29")
	require.NotContains(t, dsn, "busy_timeout%285000%29")
	require.Contains(t, dsn, "_txlock=deferred")
}
