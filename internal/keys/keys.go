// Package keys derives the fingerprint that identifies a query shape for caching and
// coordination purposes.
package keys

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/streamcache/streamcache/pkg/query"
)

// Fingerprint is the cache and coordination key of a query descriptor.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return strconv.FormatUint(uint64(f), 10)
}

// Int64 returns the fingerprint bits as a signed integer, for stores without unsigned 64-bit
// columns.
func (f Fingerprint) Int64() int64 {
	return int64(f)
}

// FromInt64 is the inverse of Fingerprint.Int64.
func FromInt64(v int64) Fingerprint {
	return Fingerprint(v)
}

// ParseFingerprint parses the decimal form produced by Fingerprint.String.
func ParseFingerprint(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint '%s': %w", s, err)
	}

	return Fingerprint(v), nil
}

// cacheKeyHasher writes field names into an xxhash digest in a stable way.
type cacheKeyHasher struct {
	hasher *xxhash.Digest
}

func newCacheKeyHasher() *cacheKeyHasher {
	return &cacheKeyHasher{hasher: xxhash.New()}
}

func (c *cacheKeyHasher) writeNames(names []string) {
	for _, name := range names {
		// WriteString always returns nil error
		_, _ = c.hasher.WriteString(name)
		// separator so that ["ab", "c"] and ["a", "bc"] differ
		_, _ = c.hasher.WriteString("\x00")
	}
}

func (c *cacheKeyHasher) key() Fingerprint {
	return Fingerprint(c.hasher.Sum64())
}

// ComputeFingerprint hashes the set of field names of the descriptor's filter and read options
// together with synthetic names for its order, limit, kind and collection.
//
// Filter values never take part in the fingerprint: two descriptors that test different values
// on the same fields share a fingerprint, and therefore share cache entries.
func ComputeFingerprint(d query.Descriptor) Fingerprint {
	names := make([]string, 0, len(d.Filter)+len(d.ReadOptions)+4)
	names = append(names, d.Filter.FieldNames()...)
	names = append(names, d.ReadOptions.FieldNames()...)
	names = append(names, syntheticFieldNames(d)...)

	slices.Sort(names)
	names = slices.Compact(names)

	h := newCacheKeyHasher()
	h.writeNames(names)

	return h.key()
}

func syntheticFieldNames(d query.Descriptor) []string {
	limit := "none"
	if d.Limit > 0 {
		limit = strconv.Itoa(d.Limit)
	}

	return []string{
		"order" + strconv.Itoa(int(d.Order)),
		"limit" + limit,
		"operation" + d.Kind.String(),
		"collection" + d.Collection,
	}
}
