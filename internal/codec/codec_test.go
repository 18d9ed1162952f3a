package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

func TestNoneCompressorRoundTrip(t *testing.T) {
	c, err := NewCompressor("none/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := []byte("payload bytes")
	out, err := c.Compress(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := c.Decompress(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("expected identity round trip")
	}
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	c, err := NewCompressor("zstd/3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := bytes.Repeat([]byte("abcdefgh"), 4096)
	out, err := c.Compress(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) >= len(data) {
		t.Errorf("expected compression to shrink repetitive data: %d >= %d", len(out), len(data))
	}
	back, err := c.Decompress(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestBrotliCompressorRoundTrip(t *testing.T) {
	c, err := NewCompressor("brotli/5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := bytes.Repeat([]byte("xyzxyzxyz"), 4096)
	out, err := c.Compress(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := c.Decompress(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestNewCompressorRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := NewCompressor("lz4/1"); err == nil {
		t.Fatal("expected error for unregistered compressor")
	}
}

func TestNewCompressorRejectsOutOfRangeLevel(t *testing.T) {
	if _, err := NewCompressor("zstd/99"); err == nil {
		t.Fatal("expected error for out-of-range zstd level")
	}
}

func TestNoneSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("none/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := []byte("plaintext")
	sealed, err := s.Seal(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(opened, data) {
		t.Fatal("expected identity round trip")
	}
}

func TestSealedBoxRoundTripWithPrivateKey(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec := "sealedbox/" + hexEncode(pub[:])
	sealer, err := NewSealer(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := []byte("secret chunk bytes")
	sealed, err := sealer.Seal(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := sealer.Open(sealed); err == nil {
		t.Fatal("expected Open without a private key to fail")
	}

	withKey := WithPrivateKey(sealer, priv)
	opened, err := withKey.Open(sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(opened, data) {
		t.Fatal("round trip mismatch")
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
