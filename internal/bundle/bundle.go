// Package bundle implements the on-disk bundle file format: an immutable,
// content-addressed container packing many chunks behind a single
// compression/encryption envelope (spec.md §4.4, §6.2).
//
// Layout from offset 0:
//
//	magic "ZVLT" + version byte
//	header length (u32) + msgpack-encoded Header
//	chunk-list: ChunkCount entries of (hash[N], raw_length:u32)
//	data blob: all chunk bytes concatenated, then compressed, then (if
//	configured) sealed
//
// The content-id — the bundle's durable name under remote/bundles/ — is
// the hash of the full file: magic+version, header, chunk-list, and data
// blob together. It is never stored inside the file itself.
package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"vaultkeep/internal/codec"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

// Mode partitions bundles so metadata chunks never share a bundle with
// file-content chunks, improving locality for restore (spec.md §3's
// Mode glossary entry).
type Mode uint8

const (
	ModeData Mode = iota
	ModeMeta
)

func (m Mode) String() string {
	if m == ModeMeta {
		return "meta"
	}
	return "data"
}

const (
	Magic        = "ZVLT"
	FormatVersion = 1
)

// Header is the self-describing prefix of a bundle file. CompressionSpec
// and EncryptionSpec are codec "algo/param" strings (e.g. "zstd/3",
// "sealedbox/<hex pubkey>"); an empty string means disabled.
type Header struct {
	Mode            Mode
	HashMethod      string
	CompressionSpec string
	EncryptionSpec  string
	ChunkCount      uint32
	RawSize         uint64
}

// ChunkEntry describes one chunk's position in the decoded data blob.
type ChunkEntry struct {
	Hash      hashsum.Sum
	RawLength uint32
}

// Encode serializes header, chunk list, and already-assembled chunk data
// into a complete bundle file. data must be the concatenation of every
// chunk in entries, in order, before compression or sealing — Encode
// performs both.
func Encode(h Header, entries []ChunkEntry, data []byte, comp codec.Compressor, seal codec.Sealer) ([]byte, error) {
	if int(h.ChunkCount) != len(entries) {
		return nil, fmt.Errorf("bundle: header chunk count %d does not match %d entries", h.ChunkCount, len(entries))
	}

	headerBytes, err := msgpack.Marshal(h)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindBundleFormat, err)
	}

	chunkList := encodeChunkList(entries)

	compressed, err := comp.Compress(data)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCompress, err)
	}
	sealed, err := seal.Seal(compressed)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindDecrypt, err)
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte(FormatVersion)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)

	buf.Write(chunkList)
	buf.Write(sealed)

	return buf.Bytes(), nil
}

// Decode parses a bundle file's header and chunk list without touching
// the data blob — the cheap path used for local metadata caching
// (spec.md §4.5). DataOffset is returned so callers can slice the raw
// sealed+compressed blob out of the same buffer on demand.
func Decode(raw []byte) (h Header, entries []ChunkEntry, dataOffset int, err error) {
	if len(raw) < len(Magic)+1+4 {
		return Header{}, nil, 0, vaulterr.New(vaulterr.KindBundleFormat, "bundle too small for header")
	}
	if string(raw[:len(Magic)]) != Magic {
		return Header{}, nil, 0, vaulterr.New(vaulterr.KindBundleFormat, "bad magic")
	}
	cursor := len(Magic)
	version := raw[cursor]
	cursor++
	if version != FormatVersion {
		return Header{}, nil, 0, vaulterr.WrapDetail(vaulterr.KindWrongVersion, fmt.Sprintf("version %d", version), fmt.Errorf("want %d", FormatVersion))
	}

	headerLen := binary.LittleEndian.Uint32(raw[cursor : cursor+4])
	cursor += 4
	if cursor+int(headerLen) > len(raw) {
		return Header{}, nil, 0, vaulterr.New(vaulterr.KindBundleFormat, "header length overruns file")
	}
	if err := msgpack.Unmarshal(raw[cursor:cursor+int(headerLen)], &h); err != nil {
		return Header{}, nil, 0, vaulterr.Wrap(vaulterr.KindBundleFormat, err)
	}
	cursor += int(headerLen)

	hashSize, err := hashSizeForMethod(h.HashMethod)
	if err != nil {
		return Header{}, nil, 0, err
	}
	entries, n, err := decodeChunkList(raw[cursor:], int(h.ChunkCount), hashSize)
	if err != nil {
		return Header{}, nil, 0, err
	}
	cursor += n

	return h, entries, cursor, nil
}

// DecodeData decrypts and decompresses the data blob following the chunk
// list, returning the plaintext chunk bytes concatenated in chunk-list
// order. This is the expensive path the Bundle DB's decoded-bundle LRU
// exists to amortize.
func DecodeData(raw []byte, dataOffset int, comp codec.Compressor, seal codec.Sealer) ([]byte, error) {
	opened, err := seal.Open(raw[dataOffset:])
	if err != nil {
		return nil, err
	}
	data, err := comp.Decompress(opened)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindCompress, err)
	}
	return data, nil
}

// ChunkOffset returns the byte offset and length of chunk i within the
// decoded data blob, by summing the raw lengths of the preceding entries
// (spec.md §4.4 — reading one chunk requires decoding the whole blob
// regardless, but still needs its position within it).
func ChunkOffset(entries []ChunkEntry, i int) (offset int, length int) {
	for j := 0; j < i; j++ {
		offset += int(entries[j].RawLength)
	}
	return offset, int(entries[i].RawLength)
}

func encodeChunkList(entries []ChunkEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	hashSize := len(entries[0].Hash)
	buf := make([]byte, 0, len(entries)*(hashSize+4))
	var lenField [4]byte
	for _, e := range entries {
		buf = append(buf, e.Hash...)
		binary.LittleEndian.PutUint32(lenField[:], e.RawLength)
		buf = append(buf, lenField[:]...)
	}
	return buf
}

func decodeChunkList(raw []byte, count int, hashSize int) ([]ChunkEntry, int, error) {
	entrySize := hashSize + 4
	need := count * entrySize
	if need > len(raw) {
		return nil, 0, vaulterr.New(vaulterr.KindBundleFormat, "chunk list overruns file")
	}
	entries := make([]ChunkEntry, count)
	for i := 0; i < count; i++ {
		off := i * entrySize
		h := make(hashsum.Sum, hashSize)
		copy(h, raw[off:off+hashSize])
		entries[i] = ChunkEntry{
			Hash:      h,
			RawLength: binary.LittleEndian.Uint32(raw[off+hashSize : off+entrySize]),
		}
	}
	return entries, need, nil
}

func hashSizeForMethod(method string) (int, error) {
	h, err := hashsum.New(method)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindBundleFormat, err)
	}
	return h.Size(), nil
}
