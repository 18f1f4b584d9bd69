package test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
)

const (
	longTTL  = time.Hour
	shortTTL = 200 * time.Millisecond
)

// newKey returns a fingerprint no other test uses, so suites can share a store.
func newKey() keys.Fingerprint {
	return keys.Fingerprint(rand.Uint64())
}

func CacheEntryLifecycleTest(t *testing.T, cs storage.CacheStore) {
	ctx := context.Background()
	key := newKey()

	_, err := cs.Get(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = cs.BeginInProgress(ctx, key, "instance-a", longTTL)
	require.NoError(t, err)

	entry, err := cs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, entry.Fingerprint)
	require.True(t, entry.InProgress)
	require.False(t, entry.Failed)
	require.Empty(t, entry.Result)
	require.Equal(t, "instance-a", entry.Owner)
	require.True(t, entry.ExpiresAt.After(time.Now()))

	_, err = cs.GetCompleted(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = cs.Complete(ctx, key, []byte("result"), longTTL)
	require.NoError(t, err)

	entry, err = cs.GetCompleted(ctx, key)
	require.NoError(t, err)
	require.True(t, entry.Completed())
	require.Equal(t, []byte("result"), entry.Result)

	entry, err = cs.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, entry.InProgress)

	// a completed entry can be recomputed
	err = cs.BeginInProgress(ctx, key, "instance-b", longTTL)
	require.NoError(t, err)

	entry, err = cs.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, entry.InProgress)
	require.Empty(t, entry.Result)
}

func BeginInProgressCollisionTest(t *testing.T, cs storage.CacheStore) {
	ctx := context.Background()
	key := newKey()

	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-a", longTTL))

	err := cs.BeginInProgress(ctx, key, "instance-b", longTTL)
	require.ErrorIs(t, err, storage.ErrCollision)

	entry, err := cs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "instance-a", entry.Owner)
}

func FailedMarkerTest(t *testing.T, cs storage.CacheStore) {
	ctx := context.Background()
	key := newKey()

	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-a", longTTL))
	require.NoError(t, cs.Fail(ctx, key, longTTL))

	entry, err := cs.GetCompleted(ctx, key)
	require.NoError(t, err)
	require.True(t, entry.Failed)
	require.False(t, entry.Completed())

	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-b", longTTL))

	entry, err = cs.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, entry.InProgress)
	require.False(t, entry.Failed)
}

func DeleteTest(t *testing.T, cs storage.CacheStore) {
	ctx := context.Background()
	key := newKey()

	require.NoError(t, cs.Delete(ctx, key))

	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-a", longTTL))
	require.NoError(t, cs.Complete(ctx, key, []byte("[]"), longTTL))
	require.NoError(t, cs.Delete(ctx, key))

	_, err := cs.Get(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-a", longTTL))
}

func ExpiryTest(t *testing.T, cs storage.CacheStore) {
	ctx := context.Background()
	key := newKey()

	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-a", shortTTL))

	require.Eventually(t, func() bool {
		_, err := cs.Get(ctx, key)
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)

	// an expired in-progress entry no longer blocks a new execution
	require.NoError(t, cs.BeginInProgress(ctx, key, "instance-b", longTTL))

	if purger, ok := cs.(storage.Purger); ok {
		expired := newKey()
		require.NoError(t, cs.Complete(ctx, expired, []byte("[]"), shortTTL))

		require.Eventually(t, func() bool {
			n, err := purger.PurgeExpired(ctx)
			require.NoError(t, err)
			return n > 0
		}, 5*time.Second, 100*time.Millisecond)

		_, err := cs.Get(ctx, key)
		require.NoError(t, err)
	}
}

func RenewExpiryTest(t *testing.T, cs storage.CacheStore) {
	ctx := context.Background()
	key := newKey()

	require.NoError(t, cs.RenewExpiry(ctx, key, longTTL))

	require.NoError(t, cs.Complete(ctx, key, []byte("kept"), shortTTL))
	require.NoError(t, cs.RenewExpiry(ctx, key, longTTL))

	time.Sleep(2 * shortTTL)

	entry, err := cs.GetCompleted(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), entry.Result)
	require.True(t, entry.ExpiresAt.After(time.Now().Add(longTTL/2)))
}
