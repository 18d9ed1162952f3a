package bundle

import (
	"bytes"
	"testing"

	"vaultkeep/internal/codec"
	"vaultkeep/internal/hashsum"
)

func mustCompressor(t *testing.T, spec string) codec.Compressor {
	t.Helper()
	c, err := codec.NewCompressor(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func mustSealer(t *testing.T, spec string) codec.Sealer {
	t.Helper()
	s, err := codec.NewSealer(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func buildEntries(t *testing.T, chunks [][]byte) ([]ChunkEntry, []byte) {
	t.Helper()
	hasher, err := hashsum.New("blake2b-128")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []ChunkEntry
	var data bytes.Buffer
	for _, c := range chunks {
		entries = append(entries, ChunkEntry{Hash: hasher.Sum(c), RawLength: uint32(len(c))})
		data.Write(c)
	}
	return entries, data.Bytes()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	chunks := [][]byte{[]byte("first chunk"), []byte("second chunk, a bit longer"), []byte("third")}
	entries, data := buildEntries(t, chunks)

	h := Header{
		Mode:            ModeData,
		HashMethod:      "blake2b-128",
		CompressionSpec: "none",
		ChunkCount:      uint32(len(entries)),
		RawSize:         uint64(len(data)),
	}
	comp := mustCompressor(t, "none/")
	seal := mustSealer(t, "none/")

	raw, err := Encode(h, entries, data, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotHeader, gotEntries, dataOffset, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader.ChunkCount != h.ChunkCount || gotHeader.Mode != h.Mode {
		t.Fatalf("header mismatch: got %+v, want %+v", gotHeader, h)
	}
	if len(gotEntries) != len(entries) {
		t.Fatalf("expected %d chunk entries, got %d", len(entries), len(gotEntries))
	}
	for i := range entries {
		if !bytes.Equal(gotEntries[i].Hash, entries[i].Hash) || gotEntries[i].RawLength != entries[i].RawLength {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, gotEntries[i], entries[i])
		}
	}

	decoded, err := DecodeData(raw, dataOffset, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("decoded data blob does not match original")
	}
}

func TestEncodeDecodeWithCompressionAndSeal(t *testing.T) {
	chunks := [][]byte{bytes.Repeat([]byte("A"), 4096), bytes.Repeat([]byte("B"), 4096)}
	entries, data := buildEntries(t, chunks)

	h := Header{
		Mode:            ModeMeta,
		HashMethod:      "blake2b-128",
		CompressionSpec: "zstd/3",
		EncryptionSpec:  "none",
		ChunkCount:      uint32(len(entries)),
		RawSize:         uint64(len(data)),
	}
	comp := mustCompressor(t, "zstd/3")
	seal := mustSealer(t, "none/")

	raw, err := Encode(h, entries, data, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, dataOffset, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := DecodeData(raw, dataOffset, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("decoded data blob does not match original after compression")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := append([]byte("NOPE"), 1, 0, 0, 0, 0)
	if _, _, _, err := Decode(raw); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	raw := append([]byte(Magic), 99, 0, 0, 0, 0)
	if _, _, _, err := Decode(raw); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestDecodeRejectsTruncatedFile(t *testing.T) {
	raw := []byte("ZV")
	if _, _, _, err := Decode(raw); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestChunkOffsetComputesPrefixSum(t *testing.T) {
	entries := []ChunkEntry{
		{RawLength: 10},
		{RawLength: 20},
		{RawLength: 5},
	}
	off, length := ChunkOffset(entries, 2)
	if off != 30 || length != 5 {
		t.Fatalf("expected offset 30 length 5, got offset %d length %d", off, length)
	}
}

func TestModeString(t *testing.T) {
	if ModeData.String() != "data" {
		t.Errorf("expected \"data\", got %q", ModeData.String())
	}
	if ModeMeta.String() != "meta" {
		t.Errorf("expected \"meta\", got %q", ModeMeta.String())
	}
}
