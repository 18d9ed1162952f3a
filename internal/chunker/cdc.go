package chunker

import (
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"
)

func init() {
	Register("cdc", newCDCChunker)
}

// polynomial is the Rabin irreducible polynomial used to seed the rolling
// hash. It must be the same across every process that writes to a given
// repository — two writers using different polynomials would cut the same
// bytes at different boundaries and defeat deduplication entirely — so it
// is a fixed constant rather than generated per-repository the way
// restic.RandomPolynomial is designed to be used.
const polynomial resticchunker.Pol = 0x3DA3358B4DC173

// cdcChunker wraps restic's Rabin-fingerprint rolling hash chunker with a
// configurable target average chunk size. avgBits is the base-2 log of the
// average size in bytes (spec.md's "cdc/16" names a 2^16 = 64KiB average);
// min and max bound the chunker at a quarter and four times that average,
// the same ratio restic itself uses for its fixed 1MiB default.
type cdcChunker struct {
	name     string
	avgBits  uint
	min, max uint
}

func newCDCChunker(param string) (Chunker, error) {
	bits, err := parseUint(param)
	if err != nil {
		return nil, err
	}
	if bits < 10 || bits > 30 {
		return nil, fmt.Errorf("chunker: cdc average bits %d out of range [10,30]", bits)
	}
	avg := uint(1) << bits
	return &cdcChunker{
		name:    "cdc/" + param,
		avgBits: uint(bits),
		min:     avg / 4,
		max:     avg * 4,
	}, nil
}

func (c *cdcChunker) Name() string { return c.name }

func (c *cdcChunker) Split(r io.Reader, sink Sink) error {
	ch := resticchunker.NewWithBoundaries(r, polynomial, c.min, c.max)
	ch.SetAverageBits(int(c.avgBits))
	buf := make([]byte, c.max)
	for {
		chunk, err := ch.Next(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunker: cdc split: %w", err)
		}
		data := make([]byte, chunk.Length)
		copy(data, chunk.Data)
		if !sink(data) {
			return nil
		}
	}
}
