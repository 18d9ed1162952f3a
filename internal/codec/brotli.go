package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

func init() {
	RegisterCompressor("brotli", newBrotliCompressor)
}

// brotliCompressor trades encode speed for a better ratio than zstd at
// equivalent levels; repositories that prioritize storage cost over write
// throughput select it over "zstd" (spec.md §4.7).
type brotliCompressor struct {
	name  string
	level int
}

func newBrotliCompressor(param string) (Compressor, error) {
	n, err := parseLevel(param, 0, 11)
	if err != nil {
		return nil, fmt.Errorf("codec: brotli level: %w", err)
	}
	return &brotliCompressor{name: fmt.Sprintf("brotli/%d", n), level: n}, nil
}

func (c *brotliCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("codec: brotli compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: brotli compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *brotliCompressor) Decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: brotli decompress: %w", err)
	}
	return out, nil
}

func (c *brotliCompressor) Name() string { return c.name }

func parseLevel(param string, min, max int) (int, error) {
	var n int
	if _, err := fmt.Sscanf(param, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid level %q: %w", param, err)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("level %d out of range [%d,%d]", n, min, max)
	}
	return n, nil
}
