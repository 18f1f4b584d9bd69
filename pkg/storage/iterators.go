package storage

import (
	"context"
	"errors"
)

var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. If the context is cancelled or times out, it
	// returns the context error; once the items are exhausted it returns ErrIteratorDone.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying iterator.
	Stop()
}

// DocumentIterator is an iterator over matched and projected documents. It is closed by
// explicitly calling Stop() or by calling Next() until it returns an ErrIteratorDone error.
type DocumentIterator = Iterator[Document]

type staticIterator[T any] struct {
	items []T
}

// NewStaticIterator returns an iterator over the given items.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}

	next := s.items[0]
	s.items = s.items[1:]

	return next, nil
}

func (s *staticIterator[T]) Stop() {
	s.items = nil
}
