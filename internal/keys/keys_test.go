package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/pkg/query"
)

func baseDescriptor() query.Descriptor {
	return query.Descriptor{
		Collection:  "people",
		Filter:      query.Filter{"firstName": map[string]any{"$regex": "Chris"}},
		ReadOptions: query.ReadOptions{"projection": []string{"surName"}},
		Order:       query.Descending,
		Kind:        query.KindResolve,
	}
}

func TestComputeFingerprintIgnoresValues(t *testing.T) {
	d1 := baseDescriptor()
	d2 := baseDescriptor()
	d2.Filter = query.Filter{"firstName": map[string]any{"$regex": "Chanti"}}
	d2.ReadOptions = query.ReadOptions{"projection": []string{"firstName"}}

	require.Equal(t, ComputeFingerprint(d1), ComputeFingerprint(d2))
}

func TestComputeFingerprintIsOrderIndependent(t *testing.T) {
	d1 := baseDescriptor()
	d1.Filter = query.Filter{"a": 1, "b": 2, "c": 3}

	d2 := baseDescriptor()
	d2.Filter = query.Filter{"c": 3}
	d2.Filter["a"] = 1
	d2.Filter["b"] = 2

	require.Equal(t, ComputeFingerprint(d1), ComputeFingerprint(d2))
}

func TestComputeFingerprintDistinguishesShape(t *testing.T) {
	base := ComputeFingerprint(baseDescriptor())

	tests := map[string]func(*query.Descriptor){
		"order":      func(d *query.Descriptor) { d.Order = query.Ascending },
		"limit":      func(d *query.Descriptor) { d.Limit = 10 },
		"kind":       func(d *query.Descriptor) { d.Kind = query.KindMap },
		"collection": func(d *query.Descriptor) { d.Collection = "accounts" },
		"filter_field": func(d *query.Descriptor) {
			d.Filter = query.Filter{"surName": "Chris"}
		},
		"extra_read_option": func(d *query.Descriptor) { d.ReadOptions["skip"] = 1 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			d := baseDescriptor()
			mutate(&d)
			require.NotEqual(t, base, ComputeFingerprint(d))
		})
	}
}

func TestComputeFingerprintLimitValues(t *testing.T) {
	d1 := baseDescriptor()
	d1.Limit = 10
	d2 := baseDescriptor()
	d2.Limit = 11

	require.NotEqual(t, ComputeFingerprint(d1), ComputeFingerprint(d2))
}

func TestFingerprintEncoding(t *testing.T) {
	f := ComputeFingerprint(baseDescriptor())

	parsed, err := ParseFingerprint(f.String())
	require.NoError(t, err)
	require.Equal(t, f, parsed)
	require.Equal(t, f, FromInt64(f.Int64()))

	_, err = ParseFingerprint("not-a-number")
	require.Error(t, err)
}
