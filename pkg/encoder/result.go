package encoder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how encoded result sequences are compressed.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// ErrCorruptResult is returned when a stored result cannot be decoded.
var ErrCorruptResult = errors.New("corrupt result")

// ParseCompression returns the Compression named by s ("none", "lz4" or "zstd").
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression '%s'", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Format: [compression uint8][uncompressed size uint32 LE][payload...]. Decoding reads the
// compression from the header, so entries written with another setting stay readable.
const resultHeaderSize = 5

// JSONResultCodec encodes result sequences as a JSON array, optionally compressed.
type JSONResultCodec struct {
	compression Compression
}

var _ ResultCodec = (*JSONResultCodec)(nil)

// NewJSONResultCodec constructs a ResultCodec using the given compression for writes.
func NewJSONResultCodec(compression Compression) *JSONResultCodec {
	return &JSONResultCodec{compression: compression}
}

func (c *JSONResultCodec) Encode(result []any) ([]byte, error) {
	if result == nil {
		result = []any{}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	compression := c.compression
	var payload []byte
	switch compression {
	case CompressionLZ4:
		payload, err = compressLZ4(data)
		if err != nil {
			return nil, err
		}
		// incompressible input
		if payload == nil {
			compression = CompressionNone
			payload = data
		}
	case CompressionZSTD:
		payload = compressZSTD(data)
	default:
		compression = CompressionNone
		payload = data
	}

	out := make([]byte, resultHeaderSize+len(payload))
	out[0] = byte(compression)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[resultHeaderSize:], payload)

	return out, nil
}

func (c *JSONResultCodec) Decode(data []byte) ([]any, error) {
	if len(data) < resultHeaderSize {
		return nil, fmt.Errorf("%w: too small for header", ErrCorruptResult)
	}

	size := binary.LittleEndian.Uint32(data[1:])
	payload := data[resultHeaderSize:]

	var raw []byte
	switch Compression(data[0]) {
	case CompressionNone:
		raw = payload
	case CompressionLZ4:
		raw = make([]byte, size)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptResult, err)
		}
		raw = raw[:n]
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		decoded, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptResult, err)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptResult, data[0])
	}

	if uint32(len(raw)) != size {
		return nil, fmt.Errorf("%w: size mismatch", ErrCorruptResult)
	}

	var result []any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptResult, err)
	}

	return result, nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

func compressZSTD(data []byte) []byte {
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

// compressLZ4 returns nil when the data does not compress.
func compressLZ4(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	if n == 0 {
		return nil, nil
	}

	return compressed[:n], nil
}
