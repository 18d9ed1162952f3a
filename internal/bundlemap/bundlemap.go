// Package bundlemap implements the injective u32 → bundle-content-id
// table (spec.md §4.6): the small-integer alias every Location and every
// remote bundle filename resolve through. Structurally this is the
// teacher's append-only SourceID↔uint32 table
// (internal/chunk/file/sources.go) turned into a whole-table, atomically
// rewritten persistence scheme, since spec.md requires "load/save are
// atomic (temp + rename)" rather than an append log.
package bundlemap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"vaultkeep/internal/format"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

// Map is the in-memory, mutable bundle map. NextData and NextMeta are the
// per-mode watermarks; they are never persisted (spec.md §4.6, §9). Load
// leaves both at zero; the repository recomputes them after loading.
type Map struct {
	mu       sync.Mutex
	hashSize int
	forward  map[uint32]hashsum.Sum
	reverse  map[string]uint32

	NextData uint32
	NextMeta uint32
}

// New builds an empty Map for the given content-id width.
func New(hashSize int) *Map {
	return &Map{
		hashSize: hashSize,
		forward:  make(map[uint32]hashsum.Sum),
		reverse:  make(map[string]uint32),
	}
}

// Set records id → cid, replacing any prior mapping for id.
func (m *Map) Set(id uint32, cid hashsum.Sum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.forward[id]; ok {
		delete(m.reverse, string(old))
	}
	m.forward[id] = cid
	m.reverse[string(cid)] = id
}

// Remove deletes id from the map, returning its content-id if present.
func (m *Map) Remove(id uint32) (hashsum.Sum, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.forward[id]
	if !ok {
		return nil, false
	}
	delete(m.forward, id)
	delete(m.reverse, string(cid))
	return cid, true
}

// Find returns the id bundle cid is mapped to, if any.
func (m *Map) Find(cid hashsum.Sum) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.reverse[string(cid)]
	return id, ok
}

// Get returns the content-id id is mapped to, if any.
func (m *Map) Get(id uint32) (hashsum.Sum, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.forward[id]
	return cid, ok
}

// Entry is one (id, content-id) pair, as yielded by Bundles.
type Entry struct {
	ID  uint32
	CID hashsum.Sum
}

// Bundles returns every (id, content-id) pair currently mapped. Order is
// unspecified.
func (m *Map) Bundles() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.forward))
	for id, cid := range m.forward {
		out = append(out, Entry{ID: id, CID: cid})
	}
	return out
}

// Len returns the number of mapped bundles.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forward)
}

// NextFreeID returns the smallest id greater than max(NextData, NextMeta)
// that is not currently present in the map. It does not mutate either
// watermark — callers assign the result to the watermark for the mode
// they are allocating for (spec.md §9's preserved-as-is algorithm: when
// the map is empty this starts at 1, so id 0 is never used).
func (m *Map) NextFreeID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.NextData
	if m.NextMeta > id {
		id = m.NextMeta
	}
	id++
	for {
		if _, present := m.forward[id]; !present {
			return id
		}
		id++
	}
}

const (
	bundleMapVersion = 1
	fixedHeaderSize  = format.HeaderSize + 1 + 4 // + hashSize(u8) + count(u32)
)

// Save atomically persists the map (forward table only — watermarks are
// never written) to path via temp file + rename.
func (m *Map) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entrySize := 4 + m.hashSize
	buf := make([]byte, fixedHeaderSize+len(m.forward)*entrySize)

	h := format.Header{Type: format.TypeBundleMap, Version: bundleMapVersion}
	h.EncodeInto(buf)
	buf[format.HeaderSize] = byte(m.hashSize)
	binary.LittleEndian.PutUint32(buf[format.HeaderSize+1:fixedHeaderSize], uint32(len(m.forward)))

	cursor := fixedHeaderSize
	for id, cid := range m.forward {
		binary.LittleEndian.PutUint32(buf[cursor:cursor+4], id)
		copy(buf[cursor+4:cursor+entrySize], cid)
		cursor += entrySize
	}

	return writeFileAtomic(path, buf)
}

// Load reads a bundle map file written by Save. NextData and NextMeta
// are left at zero — they are not stored on disk; the repository's Open
// recomputes them from the loaded entries.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if len(data) < fixedHeaderSize {
		return nil, vaulterr.New(vaulterr.KindBundleMapCorrupt, "bundle map smaller than fixed header")
	}
	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], format.TypeBundleMap, bundleMapVersion); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindBundleMapCorrupt, err)
	}
	hashSize := int(data[format.HeaderSize])
	count := binary.LittleEndian.Uint32(data[format.HeaderSize+1 : fixedHeaderSize])

	m := New(hashSize)
	entrySize := 4 + hashSize
	cursor := fixedHeaderSize
	for i := uint32(0); i < count; i++ {
		if cursor+entrySize > len(data) {
			return nil, vaulterr.New(vaulterr.KindBundleMapCorrupt, "entry table truncated")
		}
		id := binary.LittleEndian.Uint32(data[cursor : cursor+4])
		cid := make(hashsum.Sum, hashSize)
		copy(cid, data[cursor+4:cursor+entrySize])
		m.forward[id] = cid
		m.reverse[string(cid)] = id
		cursor += entrySize
	}
	return m, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".bundlemap-*")
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}
