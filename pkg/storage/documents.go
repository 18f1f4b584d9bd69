package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/streamcache/streamcache/pkg/query"
)

// RawDocument is a stored document: its identity and its JSON body.
type RawDocument struct {
	ID   string
	Body []byte
}

// PageFetcher returns up to limit documents of a collection sorted by identity in the given
// order, starting strictly after the identity 'after'. An empty 'after' starts from the first
// document. Returning fewer than limit documents signals the end of the collection.
type PageFetcher func(ctx context.Context, order query.Order, after string, limit int) ([]RawDocument, error)

// NewDocumentCursor validates the find options and returns an iterator that pulls pages from
// fetch on demand, keeping only the documents that match the filter and applying the read
// options to them.
func NewDocumentCursor(fetch PageFetcher, opts FindOptions) (DocumentIterator, error) {
	matcher, err := query.Compile(opts.Filter)
	if err != nil {
		return nil, err
	}

	plan, err := query.CompileReadOptions(opts.ReadOptions)
	if err != nil {
		return nil, err
	}

	order := opts.Order
	if order == 0 {
		order = query.DefaultOrder
	}
	if !order.Valid() {
		return nil, fmt.Errorf("%w: order must be 1 or -1", query.ErrInvalidReadOptions)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &documentCursor{
		fetch:     fetch,
		matcher:   matcher,
		plan:      plan,
		order:     order,
		batchSize: batchSize,
	}, nil
}

type documentCursor struct {
	fetch     PageFetcher
	matcher   *query.Matcher
	plan      *query.ReadPlan
	order     query.Order
	batchSize int

	page      []RawDocument
	pos       int
	after     string
	exhausted bool
	skipped   int
	stopped   bool
}

var _ DocumentIterator = (*documentCursor)(nil)

func (c *documentCursor) Next(ctx context.Context) (Document, error) {
	for {
		if c.stopped {
			return nil, ErrIteratorDone
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if c.pos >= len(c.page) {
			if c.exhausted {
				return nil, ErrIteratorDone
			}

			page, err := c.fetch(ctx, c.order, c.after, c.batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}

			c.exhausted = len(page) < c.batchSize
			if len(page) == 0 {
				return nil, ErrIteratorDone
			}

			c.page = page
			c.pos = 0
			c.after = page[len(page)-1].ID
		}

		raw := c.page[c.pos]
		c.pos++

		if !c.matcher.Match(raw.Body) {
			continue
		}

		if c.skipped < c.plan.Skip {
			c.skipped++
			continue
		}

		doc, err := c.plan.Project(raw.Body)
		if err != nil {
			return nil, fmt.Errorf("document '%s': %w", raw.ID, err)
		}

		return doc, nil
	}
}

func (c *documentCursor) Stop() {
	c.stopped = true
	c.page = nil
}

// PrepareDocuments validates documents for insertion and assigns a ULID identity to those
// without an "_id" field.
func PrepareDocuments(docs []json.RawMessage, maxDocuments int) ([]RawDocument, error) {
	if maxDocuments > 0 && len(docs) > maxDocuments {
		return nil, ExceededWriteBatchLimitError(len(docs), maxDocuments)
	}

	out := make([]RawDocument, 0, len(docs))
	for i, body := range docs {
		if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
			return nil, InvalidDocumentError(i, "not a JSON object")
		}

		id := gjson.GetBytes(body, query.IDField)
		switch {
		case !id.Exists():
			var fields map[string]any
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, InvalidDocumentError(i, err.Error())
			}

			newID := ulid.Make().String()
			fields[query.IDField] = newID

			encoded, err := json.Marshal(fields)
			if err != nil {
				return nil, InvalidDocumentError(i, err.Error())
			}

			out = append(out, RawDocument{ID: newID, Body: encoded})
		case id.Type != gjson.String || id.String() == "":
			return nil, InvalidDocumentError(i, "'_id' must be a non-empty string")
		default:
			out = append(out, RawDocument{ID: id.String(), Body: body})
		}
	}

	return out, nil
}
