package hashsum

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

func init() {
	Register("murmur3-128", newMurmur3128)
}

// murmur3128 is a fast, non-cryptographic hash selectable as a
// repository's hash method ("murmur3-128"); it trades collision
// resistance for speed (spec.md §4.2).
type murmur3128 struct{}

func newMurmur3128() (Hasher, error) {
	return murmur3128{}, nil
}

func (murmur3128) Sum(data []byte) Sum {
	h1, h2 := murmur3.Sum128(data)
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], h1)
	binary.BigEndian.PutUint64(buf[8:], h2)
	return buf
}

func (murmur3128) Size() int { return 16 }

func (murmur3128) Name() string { return "murmur3-128" }
