package bundledb

import (
	"bytes"
	"time"

	"vaultkeep/internal/bundle"
	"vaultkeep/internal/codec"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

// Writer accumulates chunks in memory until the configured bundle size is
// reached or it is finalized (spec.md §4.5). A repository keeps one
// Writer open per mode; on finalize the accumulated bytes become a single
// immutable bundle file.
type Writer struct {
	mode            bundle.Mode
	hashMethod      string
	compressionSpec string
	encryptionSpec  string

	hasher  hashsum.Hasher
	data    bytes.Buffer
	entries []bundle.ChunkEntry
}

// NewWriter builds an empty writer for the given mode. compressionSpec and
// encryptionSpec may be empty, selecting the "none" codec for either.
func NewWriter(mode bundle.Mode, hashMethod, compressionSpec, encryptionSpec string) (*Writer, error) {
	hasher, err := hashsum.New(hashMethod)
	if err != nil {
		return nil, err
	}
	return &Writer{
		mode:            mode,
		hashMethod:      hashMethod,
		compressionSpec: compressionSpec,
		encryptionSpec:  encryptionSpec,
		hasher:          hasher,
	}, nil
}

// Size returns the number of raw (pre-compression) bytes accumulated so
// far — what the repository compares against the configured target
// bundle size to decide when to finalize.
func (w *Writer) Size() int64 { return int64(w.data.Len()) }

// Mode reports which partition (Data or Meta) this writer belongs to.
func (w *Writer) Mode() bundle.Mode { return w.mode }

// Len reports how many chunks have been appended so far.
func (w *Writer) Len() int { return len(w.entries) }

// Append adds one chunk's raw bytes, returning its hash and its index
// within this bundle (dense and stable per spec.md §5's ordering
// guarantee).
func (w *Writer) Append(chunk []byte) (hashsum.Sum, uint32) {
	sum := w.hasher.Sum(chunk)
	idx := uint32(len(w.entries))
	w.entries = append(w.entries, bundle.ChunkEntry{Hash: sum, RawLength: uint32(len(chunk))})
	w.data.Write(chunk)
	return sum, idx
}

// Finalize encodes the accumulated chunks into a complete bundle file,
// computes its content-id (the hash of the entire encoded file, spec.md
// §4.4), and returns the raw bytes ready to publish plus the metadata a
// Bundle DB needs to cache.
func (w *Writer) Finalize(comp codec.Compressor, seal codec.Sealer) (Info, []byte, error) {
	if len(w.entries) == 0 {
		return Info{}, nil, vaulterr.New(vaulterr.KindBundleFormat, "cannot finalize an empty bundle writer")
	}
	header := bundle.Header{
		Mode:            w.mode,
		HashMethod:      w.hashMethod,
		CompressionSpec: w.compressionSpec,
		EncryptionSpec:  w.encryptionSpec,
		ChunkCount:      uint32(len(w.entries)),
		RawSize:         uint64(w.data.Len()),
	}
	raw, err := bundle.Encode(header, w.entries, w.data.Bytes(), comp, seal)
	if err != nil {
		return Info{}, nil, err
	}
	contentID := w.hasher.Sum(raw)

	info := Info{
		ContentID:       contentID,
		Mode:            w.mode,
		ChunkCount:      header.ChunkCount,
		RawSize:         int64(header.RawSize),
		EncodedSize:     int64(len(raw)),
		HashMethod:      w.hashMethod,
		CompressionSpec: w.compressionSpec,
		EncryptionSpec:  w.encryptionSpec,
		CreatedAt:       time.Now(),
	}
	return info, raw, nil
}
