package engine

import (
	"context"

	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
)

// ResolveFunc returns the value to keep for doc, or keep=false to drop it.
type ResolveFunc func(ctx context.Context, doc storage.Document) (keep bool, value any, err error)

// FilterFunc reports whether doc belongs to the result.
type FilterFunc func(ctx context.Context, doc storage.Document) (bool, error)

// ReduceFunc folds doc into the accumulator and returns the next accumulator.
type ReduceFunc func(ctx context.Context, acc any, doc storage.Document) (any, error)

// MapFunc transforms doc into a result value.
type MapFunc func(ctx context.Context, doc storage.Document) (any, error)

// Operation is the per-document function of an execution, tagged with its kind.
type Operation struct {
	kind    query.Kind
	resolve ResolveFunc
	filter  FilterFunc
	reduce  ReduceFunc
	mapFn   MapFunc
}

func Resolve(fn ResolveFunc) Operation {
	return Operation{kind: query.KindResolve, resolve: fn}
}

func Filter(fn FilterFunc) Operation {
	return Operation{kind: query.KindFilter, filter: fn}
}

func Reduce(fn ReduceFunc) Operation {
	return Operation{kind: query.KindReduce, reduce: fn}
}

func Map(fn MapFunc) Operation {
	return Operation{kind: query.KindMap, mapFn: fn}
}

// Kind returns the operation kind, or the empty kind for the zero Operation.
func (o Operation) Kind() query.Kind {
	return o.kind
}

// Valid reports whether the operation carries a function for its kind.
func (o Operation) Valid() bool {
	switch o.kind {
	case query.KindResolve:
		return o.resolve != nil
	case query.KindFilter:
		return o.filter != nil
	case query.KindReduce:
		return o.reduce != nil
	case query.KindMap:
		return o.mapFn != nil
	}
	return false
}

// accumulator holds the result of an execution while documents stream through it.
type accumulator struct {
	op     Operation
	values []any
	value  any
}

func newAccumulator(op Operation, initialValue any) *accumulator {
	return &accumulator{
		op:     op,
		values: []any{},
		value:  initialValue,
	}
}

// step applies the operation to doc and reports whether a value was appended.
func (a *accumulator) step(ctx context.Context, doc storage.Document) (bool, error) {
	switch a.op.kind {
	case query.KindResolve:
		keep, value, err := a.op.resolve(ctx, doc)
		if err != nil || !keep {
			return false, err
		}
		a.values = append(a.values, value)
		return true, nil
	case query.KindFilter:
		ok, err := a.op.filter(ctx, doc)
		if err != nil || !ok {
			return false, err
		}
		a.values = append(a.values, doc)
		return true, nil
	case query.KindReduce:
		next, err := a.op.reduce(ctx, a.value, doc)
		if err != nil {
			return false, err
		}
		a.value = next
		return false, nil
	default:
		value, err := a.op.mapFn(ctx, doc)
		if err != nil {
			return false, err
		}
		a.values = append(a.values, value)
		return true, nil
	}
}

// result returns the final result sequence: the sole accumulator for reduce, the collected
// values otherwise.
func (a *accumulator) result() []any {
	if a.op.kind == query.KindReduce {
		return []any{a.value}
	}
	return a.values
}
