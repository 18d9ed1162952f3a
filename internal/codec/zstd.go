package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterCompressor("zstd", newZstdCompressor)
}

// zstdCompressor compresses whole bundle data blobs with klauspost/compress,
// a pure-Go zstd implementation. Bundles compress as a single frame since
// they are always decoded whole (spec.md §4.5).
type zstdCompressor struct {
	name  string
	level zstd.EncoderLevel
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newZstdCompressor(param string) (Compressor, error) {
	n, err := parseLevel(param, 1, 22)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd level: %w", err)
	}
	level := zstd.EncoderLevelFromZstd(n)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	return &zstdCompressor{name: fmt.Sprintf("zstd/%d", n), level: level, enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

func (c *zstdCompressor) Name() string { return c.name }
