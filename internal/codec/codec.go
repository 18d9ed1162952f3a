// Package codec implements the bundle data pipeline: compress then
// optionally seal, and the reverse on read. Compression and encryption are
// each a small named-strategy registry, the same pattern package chunker
// and package hashsum use, so bundles can record "zstd/3" or "brotli/9" and
// "none" or "sealedbox" independently in their header (spec.md §4.7).
package codec

import "fmt"

// Compressor compresses and decompresses whole bundle data blobs in
// memory. Bundles are read and decoded as a unit (spec.md §4.5's decoded-
// bundle cache), so there is no streaming or random-access requirement
// here, unlike the teacher's seekable per-record compression.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// Sealer encrypts and decrypts whole bundle data blobs. "none" is a valid
// Sealer — encryption is an opt-in repository setting (spec.md §4.7).
type Sealer interface {
	Seal(data []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
	Name() string
}

type compressorFactory func(param string) (Compressor, error)
type sealerFactory func(param string) (Sealer, error)

var (
	compressors = map[string]compressorFactory{}
	sealers     = map[string]sealerFactory{}
)

// RegisterCompressor adds a compression algorithm under the given name.
func RegisterCompressor(algo string, factory compressorFactory) {
	compressors[algo] = factory
}

// RegisterSealer adds an encryption method under the given name.
func RegisterSealer(method string, factory sealerFactory) {
	sealers[method] = factory
}

// NewCompressor builds a Compressor from an "algo/param" spec string, e.g.
// "zstd/3" or "brotli/9". "none/" disables compression.
func NewCompressor(spec string) (Compressor, error) {
	algo, param := splitSpec(spec)
	factory, ok := compressors[algo]
	if !ok {
		return nil, fmt.Errorf("codec: unknown compression algorithm %q", algo)
	}
	return factory(param)
}

// NewSealer builds a Sealer from an "method/param" spec string, e.g.
// "sealedbox/<recipient-hex-pubkey>". "none/" disables encryption.
func NewSealer(spec string) (Sealer, error) {
	method, param := splitSpec(spec)
	factory, ok := sealers[method]
	if !ok {
		return nil, fmt.Errorf("codec: unknown encryption method %q", method)
	}
	return factory(param)
}

func splitSpec(spec string) (head, rest string) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i+1:]
		}
	}
	return spec, ""
}
