package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/test"
	storagefixtures "github.com/streamcache/streamcache/pkg/testfixtures/storage"
)

func TestRedisCacheStore(t *testing.T) {
	testDatastore := storagefixtures.RunDatastoreTestContainer(t, "redis")

	cs, err := New(WithAddr(testDatastore.GetConnectionURI(false)), WithKeyPrefix("test:"))
	require.NoError(t, err)
	defer cs.Close()

	status, err := cs.IsReady(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsReady)

	test.RunCacheStoreTests(t, cs)

}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrAddrMissing)
}

func TestDecodeEntry(t *testing.T) {
	now := time.Now()
	fp := keys.Fingerprint(7)

	_, err := decodeEntry(fp, map[string]string{}, time.Minute, now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = decodeEntry(fp, map[string]string{fieldInProgress: "1"}, -2*time.Nanosecond, now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	entry, err := decodeEntry(fp, map[string]string{
		fieldInProgress: "0",
		fieldFailed:     "0",
		fieldOwner:      "instance-a",
		fieldResult:     `["Chanti"]`,
	}, time.Minute, now)
	require.NoError(t, err)
	require.True(t, entry.Completed())
	require.Equal(t, "instance-a", entry.Owner)
	require.Equal(t, []byte(`["Chanti"]`), entry.Result)
	require.Equal(t, now.Add(time.Minute), entry.ExpiresAt)

	entry, err = decodeEntry(fp, map[string]string{fieldInProgress: "1", fieldOwner: "b"}, time.Second, now)
	require.NoError(t, err)
	require.True(t, entry.InProgress)
	require.Nil(t, entry.Result)
}
