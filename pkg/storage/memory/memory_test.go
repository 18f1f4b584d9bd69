package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seed(t *testing.T, ds *MemoryBackend, n int) {
	t.Helper()

	docs := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, json.RawMessage(fmt.Sprintf(`{"_id":"doc-%03d","n":%d}`, i, i)))
	}

	_, err := ds.InsertDocuments(context.Background(), "numbers", docs)
	require.NoError(t, err)
}

func ids(t *testing.T, iter storage.DocumentIterator) []string {
	t.Helper()
	defer iter.Stop()

	var out []string
	for {
		doc, err := iter.Next(context.Background())
		if errors.Is(err, storage.ErrIteratorDone) {
			return out
		}
		require.NoError(t, err)
		out = append(out, doc["_id"].(string))
	}
}

func TestFindOrderAndBatches(t *testing.T) {
	ds := New()
	seed(t, ds, 10)

	for _, batchSize := range []int{1, 3, 10, 512} {
		t.Run(fmt.Sprintf("batch_%d", batchSize), func(t *testing.T) {
			iter, err := ds.Find(context.Background(), "numbers", storage.FindOptions{
				Order:     query.Ascending,
				BatchSize: batchSize,
			})
			require.NoError(t, err)

			got := ids(t, iter)
			require.Len(t, got, 10)
			require.Equal(t, "doc-000", got[0])
			require.Equal(t, "doc-009", got[9])

			iter, err = ds.Find(context.Background(), "numbers", storage.FindOptions{
				Order:     query.Descending,
				BatchSize: batchSize,
			})
			require.NoError(t, err)

			got = ids(t, iter)
			require.Len(t, got, 10)
			require.Equal(t, "doc-009", got[0])
			require.Equal(t, "doc-000", got[9])
		})
	}
}

func TestFindFilter(t *testing.T) {
	ds := New()
	_, err := ds.InsertDocuments(context.Background(), "people", []json.RawMessage{
		json.RawMessage(`{"firstName":"Chanti","surName":"Chris"}`),
		json.RawMessage(`{"firstName":"Chris","surName":"Chanti"}`),
	})
	require.NoError(t, err)

	iter, err := ds.Find(context.Background(), "people", storage.FindOptions{
		Filter:      query.Filter{"firstName": map[string]any{"$regex": "Chris"}},
		ReadOptions: query.ReadOptions{"projection": []string{"surName"}},
	})
	require.NoError(t, err)
	defer iter.Stop()

	doc, err := iter.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Chanti", doc["surName"])
	require.NotContains(t, doc, "firstName")

	_, err = iter.Next(context.Background())
	require.ErrorIs(t, err, storage.ErrIteratorDone)
}

func TestFindUnknownCollection(t *testing.T) {
	ds := New()

	iter, err := ds.Find(context.Background(), "missing", storage.FindOptions{})
	require.NoError(t, err)
	require.Empty(t, ids(t, iter))
}

func TestInsertDocumentsReplacesAndLimits(t *testing.T) {
	ds := New(WithMaxDocumentsPerWrite(2))

	_, err := ds.InsertDocuments(context.Background(), "c", []json.RawMessage{
		json.RawMessage(`{"_id":"a","v":1}`),
	})
	require.NoError(t, err)

	_, err = ds.InsertDocuments(context.Background(), "c", []json.RawMessage{
		json.RawMessage(`{"_id":"a","v":2}`),
	})
	require.NoError(t, err)

	iter, err := ds.Find(context.Background(), "c", storage.FindOptions{})
	require.NoError(t, err)
	doc, err := iter.Next(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 2, doc["v"], 0)
	_, err = iter.Next(context.Background())
	require.ErrorIs(t, err, storage.ErrIteratorDone)
	iter.Stop()

	_, err = ds.InsertDocuments(context.Background(), "c", []json.RawMessage{
		json.RawMessage(`{}`), json.RawMessage(`{}`), json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, storage.ErrExceededWriteBatchLimit)
}

func TestMemoryDocumentStore(t *testing.T) {
	ds := New()
	defer ds.Close()

	test.RunDocumentStoreTests(t, ds)
}

func TestMemoryCacheStore(t *testing.T) {
	cs, err := NewCacheStore()
	require.NoError(t, err)
	defer cs.Close()

	test.RunCacheStoreTests(t, cs)
}
