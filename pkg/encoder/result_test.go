package encoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONResultCodec(t *testing.T) {
	result := []any{"Chanti", float64(42), map[string]any{"surName": strings.Repeat("Chris", 200)}, nil}

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(compression.String(), func(t *testing.T) {
			codec := NewJSONResultCodec(compression)

			data, err := codec.Encode(result)
			require.NoError(t, err)

			got, err := codec.Decode(data)
			require.NoError(t, err)
			require.Equal(t, result, got)
		})
	}
}

func TestJSONResultCodecCompresses(t *testing.T) {
	result := []any{strings.Repeat("streamcache ", 1000)}

	plain, err := NewJSONResultCodec(CompressionNone).Encode(result)
	require.NoError(t, err)

	for _, compression := range []Compression{CompressionLZ4, CompressionZSTD} {
		compressed, err := NewJSONResultCodec(compression).Encode(result)
		require.NoError(t, err)
		require.Less(t, len(compressed), len(plain))
		require.Equal(t, byte(compression), compressed[0])
	}
}

func TestJSONResultCodecReadsOtherCompression(t *testing.T) {
	data, err := NewJSONResultCodec(CompressionZSTD).Encode([]any{"a", "b"})
	require.NoError(t, err)

	got, err := NewJSONResultCodec(CompressionNone).Decode(data)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, got)
}

func TestJSONResultCodecEmptyResult(t *testing.T) {
	codec := NewJSONResultCodec(CompressionNone)

	data, err := codec.Encode(nil)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NotNil(t, got)
}

func TestJSONResultCodecCorrupt(t *testing.T) {
	codec := NewJSONResultCodec(CompressionNone)

	_, err := codec.Decode([]byte{0, 1})
	require.ErrorIs(t, err, ErrCorruptResult)

	_, err = codec.Decode([]byte{9, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrCorruptResult)

	_, err = codec.Decode([]byte{0, 5, 0, 0, 0, 'n', 'o', 'p', 'e', '!'})
	require.ErrorIs(t, err, ErrCorruptResult)
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		require.Equal(t, name, c.String())
	}

	_, err := ParseCompression("brotli")
	require.Error(t, err)
}
