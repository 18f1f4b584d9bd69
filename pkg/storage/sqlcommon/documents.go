package sqlcommon

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
)

// InsertDocuments see [storage.DocumentWriter].InsertDocuments. A document whose identity
// already exists replaces the stored one.
func (s *Datastore) InsertDocuments(ctx context.Context, collection string, docs []json.RawMessage) ([]string, error) {
	ctx, span := s.startTrace(ctx, "InsertDocuments",
		attribute.String("collection", collection),
		attribute.Int("documents", len(docs)),
	)
	defer span.End()

	prepared, err := storage.PrepareDocuments(docs, s.maxDocumentsPerWrite)
	if err != nil {
		return nil, err
	}

	if len(prepared) == 0 {
		return []string{}, nil
	}

	now := s.nowMillis()
	ids := make([]string, 0, len(prepared))

	insertBuilder := s.dbInfo.stbl.
		Insert(documentTable).
		Columns("collection", "id", "body", "inserted_at").
		Suffix(s.dbInfo.upsert([]string{"collection", "id"}, []string{"body", "inserted_at"}))

	for _, doc := range prepared {
		insertBuilder = insertBuilder.Values(collection, doc.ID, string(doc.Body), now)
		ids = append(ids, doc.ID)
	}

	if _, err := insertBuilder.ExecContext(ctx); err != nil {
		return nil, s.dbInfo.HandleSQLError(err)
	}

	return ids, nil
}

// Find see [storage.DocumentSource].Find. Filters are evaluated on the decoded documents, so
// every page is a keyset scan over the collection's primary key.
func (s *Datastore) Find(ctx context.Context, collection string, opts storage.FindOptions) (storage.DocumentIterator, error) {
	_, span := s.startTrace(ctx, "Find", attribute.String("collection", collection))
	defer span.End()

	return storage.NewDocumentCursor(s.fetchPage(collection), opts)
}

func (s *Datastore) fetchPage(collection string) storage.PageFetcher {
	return func(ctx context.Context, order query.Order, after string, limit int) ([]storage.RawDocument, error) {
		ctx, span := s.startTrace(ctx, "fetchPage",
			attribute.String("collection", collection),
			attribute.Int("limit", limit),
		)
		defer span.End()

		sb := s.dbInfo.stbl.
			Select("id", "body").
			From(documentTable).
			Where(sq.Eq{"collection": collection}).
			Limit(uint64(limit))

		if order == query.Ascending {
			sb = sb.OrderBy("id ASC")
			if after != "" {
				sb = sb.Where(sq.Gt{"id": after})
			}
		} else {
			sb = sb.OrderBy("id DESC")
			if after != "" {
				sb = sb.Where(sq.Lt{"id": after})
			}
		}

		rows, err := sb.QueryContext(ctx)
		if err != nil {
			return nil, s.dbInfo.HandleSQLError(err)
		}
		defer rows.Close()

		page := make([]storage.RawDocument, 0, limit)
		for rows.Next() {
			var (
				id   string
				body string
			)
			if err := rows.Scan(&id, &body); err != nil {
				return nil, s.dbInfo.HandleSQLError(err)
			}
			page = append(page, storage.RawDocument{ID: id, Body: []byte(body)})
		}

		if err := rows.Err(); err != nil {
			return nil, s.dbInfo.HandleSQLError(err)
		}

		return page, nil
	}
}
