package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf
}

func splitAll(t *testing.T, c Chunker, data []byte) [][]byte {
	t.Helper()
	var chunks [][]byte
	if err := c.Split(bytes.NewReader(data), func(chunk []byte) bool {
		chunks = append(chunks, append([]byte(nil), chunk...))
		return true
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return chunks
}

func TestCDCChunkerDeterministic(t *testing.T) {
	data := randomBytes(t, 4*1024*1024)

	a, err := New("cdc/16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := New("cdc/16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunksA := splitAll(t, a, data)
	chunksB := splitAll(t, b, data)

	if len(chunksA) != len(chunksB) {
		t.Fatalf("expected equal chunk counts, got %d and %d", len(chunksA), len(chunksB))
	}
	for i := range chunksA {
		if !bytes.Equal(chunksA[i], chunksB[i]) {
			t.Fatalf("chunk %d differs between identical runs", i)
		}
	}
}

func TestCDCChunkerReassemblesInput(t *testing.T) {
	data := randomBytes(t, 2*1024*1024)
	c, err := New("cdc/14")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := splitAll(t, c, data)

	var out bytes.Buffer
	for _, chunk := range chunks {
		out.Write(chunk)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("concatenated chunks do not reproduce the input")
	}
}

func TestCDCChunkerBoundsChunkSize(t *testing.T) {
	data := randomBytes(t, 4*1024*1024)
	c, err := New("cdc/16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := splitAll(t, c, data)

	const (
		min = (1 << 16) / 4
		max = (1 << 16) * 4
	)
	for i, chunk := range chunks {
		if len(chunk) < min && i != len(chunks)-1 {
			t.Errorf("chunk %d shorter than minimum: %d bytes", i, len(chunk))
		}
		if len(chunk) > max {
			t.Errorf("chunk %d longer than maximum: %d bytes", i, len(chunk))
		}
	}
}

func TestCDCChunkerLocalInsertOnlyShiftsNearbyBoundaries(t *testing.T) {
	data := randomBytes(t, 1024*1024)
	c1, err := New("cdc/14")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	original := splitAll(t, c1, data)

	modified := append([]byte(nil), data[:512*1024]...)
	modified = append(modified, []byte("X")...)
	modified = append(modified, data[512*1024:]...)

	c2, err := New("cdc/14")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changed := splitAll(t, c2, modified)

	var prefixMatches int
	for prefixMatches < len(original) && prefixMatches < len(changed) &&
		bytes.Equal(original[prefixMatches], changed[prefixMatches]) {
		prefixMatches++
	}
	if prefixMatches == 0 {
		t.Fatal("expected at least the first chunk to match before the insertion point")
	}

	var suffixMatches int
	for suffixMatches < len(original) && suffixMatches < len(changed) &&
		bytes.Equal(original[len(original)-1-suffixMatches], changed[len(changed)-1-suffixMatches]) {
		suffixMatches++
	}
	if suffixMatches == 0 {
		t.Fatal("expected at least the last chunk to resynchronize after the insertion point")
	}
}

func TestNewCDCRejectsOutOfRangeBits(t *testing.T) {
	if _, err := New("cdc/5"); err == nil {
		t.Fatal("expected error for average bits below range")
	}
	if _, err := New("cdc/40"); err == nil {
		t.Fatal("expected error for average bits above range")
	}
}
