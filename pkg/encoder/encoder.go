// Package encoder converts result sequences to and from the bytes held by cache entries.
package encoder

// ResultCodec converts result sequences to and from the bytes stored in cache entries.
type ResultCodec interface {
	Encode(result []any) ([]byte, error)
	Decode(data []byte) ([]any, error)
}
