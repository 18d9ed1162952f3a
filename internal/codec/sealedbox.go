package codec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"vaultkeep/internal/vaulterr"
)

func init() {
	RegisterSealer("sealedbox", newSealedBoxSealer)
}

// sealedBoxSealer implements X25519 anonymous sealed-box encryption
// (libsodium's crypto_box_seal, exposed by x/crypto/nacl/box as
// SealAnonymous/OpenAnonymous). Any holder of the repository's public key
// can seal new bundles; only a holder of the matching private key — kept
// in the local keystore, never in repository config — can open them
// (spec.md §4.7, §4.9's read-only-without-private-key scenario).
type sealedBoxSealer struct {
	name    string
	public  *[32]byte
	private *[32]byte // nil until WithPrivateKey supplies it
}

func newSealedBoxSealer(param string) (Sealer, error) {
	pub, err := decodeKey(param)
	if err != nil {
		return nil, fmt.Errorf("codec: sealedbox public key: %w", err)
	}
	return &sealedBoxSealer{name: "sealedbox/" + param, public: pub}, nil
}

// WithPrivateKey returns a Sealer that can also Open, once the repository
// controller has located the matching private key in the local keystore.
func WithPrivateKey(s Sealer, priv *[32]byte) Sealer {
	sb, ok := s.(*sealedBoxSealer)
	if !ok {
		return s
	}
	return &sealedBoxSealer{name: sb.name, public: sb.public, private: priv}
}

func (s *sealedBoxSealer) Seal(data []byte) ([]byte, error) {
	return box.SealAnonymous(nil, data, s.public, rand.Reader)
}

func (s *sealedBoxSealer) Open(data []byte) ([]byte, error) {
	if s.private == nil {
		return nil, vaulterr.New(vaulterr.KindKeyMissing, "sealedbox: no private key loaded for this repository")
	}
	out, ok := box.OpenAnonymous(nil, data, s.public, s.private)
	if !ok {
		return nil, vaulterr.New(vaulterr.KindDecrypt, "sealedbox: open failed (wrong key or corrupt data)")
	}
	return out, nil
}

func (s *sealedBoxSealer) Name() string { return s.name }

func decodeKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32-byte key, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
