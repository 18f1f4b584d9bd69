package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/engine"
	"github.com/streamcache/streamcache/pkg/query"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRecord(fp keys.Fingerprint) *Record {
	return NewRecord(fp, query.Descriptor{
		Collection: "people",
		Filter:     query.Filter{"firstName": map[string]any{"$regex": "Chris"}},
		Kind:       query.KindResolve,
	}, time.Minute)
}

func TestTryRegister(t *testing.T) {
	r := New()

	first := newRecord(1)
	got, err := r.TryRegister(first, 2)
	require.NoError(t, err)
	require.Same(t, first, got)

	t.Run("same_fingerprint_returns_running_record", func(t *testing.T) {
		got, err := r.TryRegister(newRecord(1), 2)
		require.ErrorIs(t, err, ErrAlreadyRunning)
		require.Same(t, first, got)
	})

	_, err = r.TryRegister(newRecord(2), 2)
	require.NoError(t, err)

	t.Run("full", func(t *testing.T) {
		_, err := r.TryRegister(newRecord(3), 2)
		require.ErrorIs(t, err, ErrFull)
		require.Len(t, r.Snapshots(), 2)
	})

	t.Run("unbounded", func(t *testing.T) {
		rec := newRecord(4)
		_, err := r.TryRegister(rec, 0)
		require.NoError(t, err)
		r.Deregister(rec)
	})
}

func TestDeregisterKeepsNewerRecord(t *testing.T) {
	r := New()

	old := newRecord(1)
	_, err := r.TryRegister(old, 0)
	require.NoError(t, err)
	r.Deregister(old)

	newer := newRecord(1)
	_, err = r.TryRegister(newer, 0)
	require.NoError(t, err)

	r.Deregister(old)
	got, ok := r.Get(1)
	require.True(t, ok)
	require.Same(t, newer, got)
}

func TestRequestAbort(t *testing.T) {
	r := New()
	require.False(t, r.RequestAbort(1))

	rec := newRecord(1)
	_, err := r.TryRegister(rec, 0)
	require.NoError(t, err)

	require.True(t, r.RequestAbort(1))
	require.True(t, rec.AbortRequested())
	require.True(t, r.Snapshots()[0].AbortRequested)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := New()

	rec := newRecord(7)
	_, err := r.TryRegister(rec, 0)
	require.NoError(t, err)

	rec.AddScanned(10)
	rec.AddResults(3)
	rec.AddErrors(1)
	rec.SetStopReason(engine.StopLimit)

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	require.Equal(t, keys.Fingerprint(7), snap.Fingerprint)
	require.Equal(t, query.KindResolve, snap.Kind)
	require.Equal(t, int64(10), snap.Scanned)
	require.Equal(t, int64(3), snap.Results)
	require.Equal(t, int64(1), snap.Errors)
	require.Equal(t, engine.StopLimit, snap.StopReason)
	require.Equal(t, rec.StartedAt.Add(time.Minute), snap.Deadline)

	snap.Filter["firstName"].(map[string]any)["$regex"] = "changed"
	rec.AddScanned(5)

	require.Equal(t, "Chris", rec.Filter["firstName"].(map[string]any)["$regex"])
	require.Equal(t, int64(10), snap.Scanned)
}

func TestSnapshotsOrderedByStart(t *testing.T) {
	r := New()

	for i := range 5 {
		rec := newRecord(keys.Fingerprint(i))
		rec.StartedAt = time.Unix(int64(100-i), 0)
		_, err := r.TryRegister(rec, 0)
		require.NoError(t, err)
	}

	snaps := r.Snapshots()
	for i := 1; i < len(snaps); i++ {
		require.True(t, snaps[i-1].StartedAt.Before(snaps[i].StartedAt))
	}
}

func TestSettleAndWait(t *testing.T) {
	rec := newRecord(1)

	var wg sync.WaitGroup
	results := make([][]any, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := rec.Wait(context.Background())
			require.NoError(t, err)
			results[i] = values
		}()
	}

	rec.Settle([]any{"Chanti"}, nil)
	rec.Settle(nil, errors.New("ignored"))
	wg.Wait()

	for _, values := range results {
		require.Equal(t, []any{"Chanti"}, values)
	}
}

func TestWaitReturnsIndependentCopies(t *testing.T) {
	rec := newRecord(1)
	rec.Settle([]any{
		"Chanti",
		map[string]any{"name": "Chris", "tags": []any{"a"}},
	}, nil)

	first, err := rec.Wait(context.Background())
	require.NoError(t, err)
	first[0] = "changed"
	first[1].(map[string]any)["name"] = "changed"
	first[1].(map[string]any)["tags"].([]any)[0] = "changed"

	second, err := rec.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []any{
		"Chanti",
		map[string]any{"name": "Chris", "tags": []any{"a"}},
	}, second)

	empty := newRecord(2)
	empty.Settle([]any{}, nil)
	values, err := empty.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, values)
	require.Empty(t, values)

}

func TestWaitHonoursContext(t *testing.T) {
	rec := newRecord(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := rec.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
