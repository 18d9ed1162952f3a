package hashsum

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

func init() {
	Register("blake2b-128", newBlake2b128)
}

// blake2b128 is the default content hash: cryptographically strong enough
// that an attacker cannot engineer a collision to corrupt another backup's
// data, at a fraction of SHA-256's digest size (spec.md §4.2).
type blake2b128 struct{}

func newBlake2b128() (Hasher, error) {
	// Probe the size once at construction; blake2b.New only fails for
	// invalid key lengths, and we never pass a key.
	if _, err := blake2b.New(16, nil); err != nil {
		return nil, fmt.Errorf("hashsum: blake2b-128 unavailable: %w", err)
	}
	return blake2b128{}, nil
}

func (blake2b128) Sum(data []byte) Sum {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// unreachable: newBlake2b128 already validated these parameters.
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

func (blake2b128) Size() int { return 16 }

func (blake2b128) Name() string { return "blake2b-128" }
