package chunker

import (
	"fmt"
	"io"
)

func init() {
	Register("fixed", newFixedChunker)
}

// fixedChunker cuts every chunk at exactly size bytes, except a shorter
// final chunk at EOF. It produces no content-defined boundaries at all, so
// inserting or deleting a byte near the start of a stream shifts every
// later boundary — useful only where the caller controls the input layout,
// such as deterministic fixtures in tests.
type fixedChunker struct {
	name string
	size uint64
}

func newFixedChunker(param string) (Chunker, error) {
	size, err := parseUint(param)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("chunker: fixed size must be > 0")
	}
	return &fixedChunker{name: "fixed/" + param, size: size}, nil
}

func (c *fixedChunker) Name() string { return c.name }

func (c *fixedChunker) Split(r io.Reader, sink Sink) error {
	buf := make([]byte, c.size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !sink(data) {
				return nil
			}
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return fmt.Errorf("chunker: fixed split: %w", err)
		}
	}
}
