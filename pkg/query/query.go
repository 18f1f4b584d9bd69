// Package query defines the query descriptor accepted by the coordinator: the filter criteria,
// read options, sort order, limit and operation kind of a streamed execution.
package query

import (
	"fmt"
	"maps"
	"slices"
)

// Kind is the document operation applied to every matched document.
type Kind string

const (
	// KindResolve keeps the value returned by the operation when it reports keep=true.
	KindResolve Kind = "resolve"
	// KindFilter keeps the original document when the operation returns true.
	KindFilter Kind = "filter"
	// KindReduce folds every document into a single accumulator.
	KindReduce Kind = "reduce"
	// KindMap keeps the transformed value of every document.
	KindMap Kind = "map"
)

// Kinds lists every recognized operation kind.
var Kinds = []Kind{KindResolve, KindFilter, KindReduce, KindMap}

func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind '%s'", s)
	}

	return k, nil
}

// Order is the sort direction over document identity.
type Order int

const (
	Ascending  Order = 1
	Descending Order = -1

	DefaultOrder = Descending
)

func (o Order) Valid() bool {
	return o == Ascending || o == Descending
}

// Filter maps field names (dotted paths address nested fields) to either a literal, matched by
// equality, or an operator document such as {"$regex": "^Chris"}. The top-level keys "$and"
// and "$or" take a list of nested filters.
type Filter map[string]any

// ReadOptions shapes the documents returned by a document source. Recognized keys are
// "projection" and "skip".
type ReadOptions map[string]any

// Descriptor is the full shape of a query: everything that takes part in its fingerprint.
type Descriptor struct {
	Collection  string
	Filter      Filter
	ReadOptions ReadOptions
	Order       Order
	// Limit caps the number of scanned documents; zero means no limit.
	Limit int
	Kind  Kind
}

// FieldNames returns the sorted top-level field names of the filter.
func (f Filter) FieldNames() []string {
	return slices.Sorted(maps.Keys(f))
}

// FieldNames returns the sorted top-level option names.
func (r ReadOptions) FieldNames() []string {
	return slices.Sorted(maps.Keys(r))
}

// Clone returns a deep copy of the filter, used when the filter is kept for diagnostics.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}

	return cloneValue(map[string]any(f)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Filter:
		return cloneValue(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
