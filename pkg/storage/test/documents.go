package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
)

func collectionName() string {
	return "collection_" + ulid.Make().String()
}

func drain(t *testing.T, iter storage.DocumentIterator) []storage.Document {
	t.Helper()
	defer iter.Stop()

	var out []storage.Document
	for {
		doc, err := iter.Next(context.Background())
		if errors.Is(err, storage.ErrIteratorDone) {
			return out
		}
		require.NoError(t, err)
		out = append(out, doc)
	}
}

func InsertAndFindTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := collectionName()

	ids, err := ds.InsertDocuments(ctx, collection, []json.RawMessage{
		json.RawMessage(`{"_id":"1","firstName":"Chanti","surName":"Chris","age":31}`),
		json.RawMessage(`{"_id":"2","firstName":"Chris","surName":"Chanti","age":42}`),
		json.RawMessage(`{"firstName":"Robin","surName":"Doe","age":27,"tags":["admin","ops"]}`),
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, []string{"1", "2"}, ids[:2])

	iter, err := ds.Find(ctx, collection, storage.FindOptions{
		Filter: query.Filter{"firstName": map[string]any{"$regex": "Chris"}},
	})
	require.NoError(t, err)

	got := drain(t, iter)
	want := []storage.Document{
		{"_id": "2", "firstName": "Chris", "surName": "Chanti", "age": float64(42)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected documents (-want +got):\n%s", diff)
	}

	iter, err = ds.Find(ctx, collection, storage.FindOptions{
		Filter: query.Filter{"tags": "ops"},
	})
	require.NoError(t, err)

	got = drain(t, iter)
	require.Len(t, got, 1)
	require.Equal(t, ids[2], got[0]["_id"])

	iter, err = ds.Find(ctx, collectionName(), storage.FindOptions{})
	require.NoError(t, err)
	require.Empty(t, drain(t, iter))
}

func FindPaginationTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := collectionName()

	docs := make([]json.RawMessage, 0, 25)
	for i := 0; i < 25; i++ {
		docs = append(docs, json.RawMessage(fmt.Sprintf(`{"_id":"id-%02d","n":%d}`, i, i)))
	}
	_, err := ds.InsertDocuments(ctx, collection, docs)
	require.NoError(t, err)

	for _, order := range []query.Order{query.Ascending, query.Descending} {
		iter, err := ds.Find(ctx, collection, storage.FindOptions{Order: order, BatchSize: 4})
		require.NoError(t, err)

		got := drain(t, iter)
		require.Len(t, got, 25)

		for i, doc := range got {
			n := i
			if order == query.Descending {
				n = 24 - i
			}
			require.Equal(t, fmt.Sprintf("id-%02d", n), doc["_id"])
		}
	}
}

func FindReadOptionsTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := collectionName()

	_, err := ds.InsertDocuments(ctx, collection, []json.RawMessage{
		json.RawMessage(`{"_id":"a","name":"x","address":{"city":"Oslo","zip":"0150"}}`),
		json.RawMessage(`{"_id":"b","name":"y","address":{"city":"Bergen","zip":"5003"}}`),
		json.RawMessage(`{"_id":"c","name":"z","address":{"city":"Oslo","zip":"0151"}}`),
	})
	require.NoError(t, err)

	iter, err := ds.Find(ctx, collection, storage.FindOptions{
		Order:       query.Ascending,
		Filter:      query.Filter{"address.city": "Oslo"},
		ReadOptions: query.ReadOptions{"projection": map[string]any{"address.zip": 1}, "skip": 1},
	})
	require.NoError(t, err)

	got := drain(t, iter)
	want := []storage.Document{{"_id": "c", "address": map[string]any{"zip": "0151"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected documents (-want +got):\n%s", diff)
	}
}

func FindInvalidFilterTest(t *testing.T, ds storage.DocumentStore) {
	_, err := ds.Find(context.Background(), collectionName(), storage.FindOptions{
		Filter: query.Filter{"$where": "this.a > 1"},
	})
	require.ErrorIs(t, err, query.ErrInvalidFilter)
}
