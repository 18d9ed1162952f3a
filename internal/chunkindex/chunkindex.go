// Package chunkindex implements the persistent open-addressed hash table
// mapping chunk hash to Location (spec.md §4.3). The file is intended to
// be memory-mapped; Set/Delete write directly into the mapped pages and
// Flush syncs them to disk at commit points, the same mmap-backed
// random-access pattern the teacher uses for its record store (see
// internal/chunk/file/mmap_reader.go), turned read-write here.
package chunkindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"vaultkeep/internal/format"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

// Location identifies a chunk inside a bundle (spec.md §3).
type Location struct {
	Bundle uint32
	Chunk  uint32
}

const (
	defaultCapacity = 1024
	maxLoadFactor   = 0.75

	slotFlagEmpty     = 0
	slotFlagOccupied  = 1 << 0
	slotFlagTombstone = 1 << 1

	fixedHeaderSize = format.HeaderSize + 1 + 8 + 8 + 8 // + hashSize(u8) + capacity + count + seed
)

// Index is a persistent, memory-mapped open-addressed hash table.
// Not safe for concurrent use without external synchronization beyond the
// read/write split provided by mu — callers (the Repository) already
// serialize mutations per spec.md §5.
type Index struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	data     []byte
	hashSize int
	capacity uint64
	count    uint64
	seed     uint64
}

func slotSize(hashSize int) int { return hashSize + 4 + 4 + 1 }

// Create builds a new, empty index file at path with the given hash
// digest width (16 for both BLAKE2b-128 and Murmur3-128) and opens it.
func Create(path string, hashSize int) (*Index, error) {
	return createWithCapacity(path, hashSize, defaultCapacity, 0)
}

func createWithCapacity(path string, hashSize int, capacity uint64, seed uint64) (*Index, error) {
	size := fixedHeaderSize + int(capacity)*slotSize(hashSize)
	buf := make([]byte, size)

	h := format.Header{Type: format.TypeChunkIndex, Version: 1}
	h.EncodeInto(buf)
	cursor := format.HeaderSize
	buf[cursor] = byte(hashSize)
	cursor++
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], capacity)
	cursor += 8
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], 0) // count
	cursor += 8
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], seed)

	if err := writeFileAtomic(path, buf); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return Open(path)
}

// Open mmaps an existing index file, validating its header.
func Open(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if info.Size() < int64(fixedHeaderSize) {
		f.Close()
		return nil, vaulterr.New(vaulterr.KindIndexCorrupt, "index file smaller than fixed header")
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}

	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], format.TypeChunkIndex, 1); err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, vaulterr.Wrap(vaulterr.KindIndexCorrupt, err)
	}

	cursor := format.HeaderSize
	hashSize := int(data[cursor])
	cursor++
	capacity := binary.LittleEndian.Uint64(data[cursor : cursor+8])
	cursor += 8
	count := binary.LittleEndian.Uint64(data[cursor : cursor+8])
	cursor += 8
	seed := binary.LittleEndian.Uint64(data[cursor : cursor+8])

	wantSize := fixedHeaderSize + int(capacity)*slotSize(hashSize)
	if wantSize != len(data) {
		syscall.Munmap(data)
		f.Close()
		return nil, vaulterr.New(vaulterr.KindIndexCorrupt, "index file size does not match header capacity")
	}

	return &Index{
		path:     path,
		file:     f,
		data:     data,
		hashSize: hashSize,
		capacity: capacity,
		count:    count,
		seed:     seed,
	}, nil
}

// Close unmaps and closes the underlying file, syncing first.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.flushLocked(); err != nil {
		return err
	}
	var err error
	if idx.data != nil {
		if e := syscall.Munmap(idx.data); e != nil {
			err = e
		}
		idx.data = nil
	}
	if idx.file != nil {
		if e := idx.file.Close(); e != nil && err == nil {
			err = e
		}
		idx.file = nil
	}
	return err
}

// Flush syncs the mapped pages to disk at a commit point (spec.md §4.3).
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

func (idx *Index) flushLocked() error {
	if idx.data == nil {
		return nil
	}
	if err := unix.Msync(idx.data, unix.MS_SYNC); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

// bucket maps a chunk hash to a table slot via xxhash, never the chunk
// hash itself — the content fingerprint and the bucket-hash are
// deliberately different functions (spec.md §4.3).
func (idx *Index) bucket(hash hashsum.Sum) uint64 {
	h := xxhash.Sum64(hash) ^ idx.seed
	return h % idx.capacity
}

func (idx *Index) slotOffset(i uint64) int {
	return fixedHeaderSize + int(i)*slotSize(idx.hashSize)
}

func (idx *Index) readSlot(i uint64) (flags byte, hash []byte, loc Location) {
	off := idx.slotOffset(i)
	hash = idx.data[off : off+idx.hashSize]
	off += idx.hashSize
	loc.Bundle = binary.LittleEndian.Uint32(idx.data[off : off+4])
	off += 4
	loc.Chunk = binary.LittleEndian.Uint32(idx.data[off : off+4])
	off += 4
	flags = idx.data[off]
	return
}

func (idx *Index) writeSlot(i uint64, flags byte, hash hashsum.Sum, loc Location) {
	off := idx.slotOffset(i)
	copy(idx.data[off:off+idx.hashSize], hash)
	off += idx.hashSize
	binary.LittleEndian.PutUint32(idx.data[off:off+4], loc.Bundle)
	off += 4
	binary.LittleEndian.PutUint32(idx.data[off:off+4], loc.Chunk)
	off += 4
	idx.data[off] = flags
}

func (idx *Index) writeCount() {
	binary.LittleEndian.PutUint64(idx.data[format.HeaderSize+1:format.HeaderSize+9], idx.count)
}

// Get looks up hash, returning its Location and whether it was found.
func (idx *Index) Get(hash hashsum.Sum) (Location, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.findLocked(hash)
}

func (idx *Index) findLocked(hash hashsum.Sum) (Location, bool, error) {
	start := idx.bucket(hash)
	for probe := uint64(0); probe < idx.capacity; probe++ {
		i := (start + probe) % idx.capacity
		flags, slotHash, loc := idx.readSlot(i)
		if flags == slotFlagEmpty {
			return Location{}, false, nil
		}
		if flags&slotFlagOccupied != 0 && string(slotHash) == string(hash) {
			return loc, true, nil
		}
	}
	return Location{}, false, vaulterr.New(vaulterr.KindIndexCorrupt, "probe sequence exhausted capacity without finding empty slot")
}

// Set records hash → loc, overwriting any existing entry for hash. It may
// trigger a rebuild to a larger capacity if the load factor ceiling is
// exceeded.
func (idx *Index) Set(hash hashsum.Sum, loc Location) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.setLocked(hash, loc); err != nil {
		return err
	}
	if float64(idx.count)/float64(idx.capacity) > maxLoadFactor {
		return idx.rebuildLocked(idx.capacity * 2)
	}
	return nil
}

func (idx *Index) setLocked(hash hashsum.Sum, loc Location) error {
	start := idx.bucket(hash)
	firstTombstone := uint64(0)
	haveTombstone := false
	for probe := uint64(0); probe < idx.capacity; probe++ {
		i := (start + probe) % idx.capacity
		flags, slotHash, _ := idx.readSlot(i)
		switch {
		case flags&slotFlagOccupied != 0 && string(slotHash) == string(hash):
			idx.writeSlot(i, slotFlagOccupied, hash, loc)
			return nil
		case flags == slotFlagTombstone && !haveTombstone:
			firstTombstone = i
			haveTombstone = true
		case flags == slotFlagEmpty:
			target := i
			if haveTombstone {
				target = firstTombstone
			}
			idx.writeSlot(target, slotFlagOccupied, hash, loc)
			idx.count++
			idx.writeCount()
			return nil
		}
	}
	return vaulterr.New(vaulterr.KindIndexCorrupt, "index full: no empty slot for insert")
}

// Delete removes hash from the index, if present.
func (idx *Index) Delete(hash hashsum.Sum) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	start := idx.bucket(hash)
	for probe := uint64(0); probe < idx.capacity; probe++ {
		i := (start + probe) % idx.capacity
		flags, slotHash, loc := idx.readSlot(i)
		if flags == slotFlagEmpty {
			return nil
		}
		if flags&slotFlagOccupied != 0 && string(slotHash) == string(hash) {
			idx.writeSlot(i, slotFlagTombstone, hash, loc)
			idx.count--
			idx.writeCount()
			return nil
		}
	}
	return nil
}

// Filter iterates every live entry, removing those for which keep returns
// false. O(capacity).
func (idx *Index) Filter(keep func(hash hashsum.Sum, loc Location) bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var toDelete [][]byte
	for i := uint64(0); i < idx.capacity; i++ {
		flags, slotHash, loc := idx.readSlot(i)
		if flags&slotFlagOccupied == 0 {
			continue
		}
		if !keep(append(hashsum.Sum(nil), slotHash...), loc) {
			toDelete = append(toDelete, append([]byte(nil), slotHash...))
		}
	}
	for _, h := range toDelete {
		if err := idx.deleteLocked(h); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) deleteLocked(hash []byte) error {
	start := idx.bucket(hash)
	for probe := uint64(0); probe < idx.capacity; probe++ {
		i := (start + probe) % idx.capacity
		flags, slotHash, loc := idx.readSlot(i)
		if flags == slotFlagEmpty {
			return nil
		}
		if flags&slotFlagOccupied != 0 && string(slotHash) == string(hash) {
			idx.writeSlot(i, slotFlagTombstone, hash, loc)
			idx.count--
			idx.writeCount()
			return nil
		}
	}
	return nil
}

// Clear removes every entry, resetting the table to empty in place.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := uint64(0); i < idx.capacity; i++ {
		off := idx.slotOffset(i)
		end := off + slotSize(idx.hashSize)
		for j := off; j < end; j++ {
			idx.data[j] = 0
		}
	}
	idx.count = 0
	idx.writeCount()
	return nil
}

// Iter invokes yield for every live entry; yield returning false stops
// iteration early.
func (idx *Index) Iter(yield func(hash hashsum.Sum, loc Location) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for i := uint64(0); i < idx.capacity; i++ {
		flags, slotHash, loc := idx.readSlot(i)
		if flags&slotFlagOccupied == 0 {
			continue
		}
		if !yield(append(hashsum.Sum(nil), slotHash...), loc) {
			return
		}
	}
}

// Count returns the number of live entries.
func (idx *Index) Count() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// rebuildLocked rewrites the table into a new file at newCapacity, then
// atomically replaces the current file. Caller holds idx.mu.
func (idx *Index) rebuildLocked(newCapacity uint64) error {
	tmpPath := idx.path + ".rebuild"
	next, err := createWithCapacity(tmpPath, idx.hashSize, newCapacity, idx.seed)
	if err != nil {
		return fmt.Errorf("chunkindex: rebuild: %w", err)
	}

	for i := uint64(0); i < idx.capacity; i++ {
		flags, slotHash, loc := idx.readSlot(i)
		if flags&slotFlagOccupied == 0 {
			continue
		}
		if err := next.setLocked(append(hashsum.Sum(nil), slotHash...), loc); err != nil {
			next.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("chunkindex: rebuild: reinsert: %w", err)
		}
	}
	if err := next.flushLocked(); err != nil {
		next.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := syscall.Munmap(idx.data); err != nil {
		next.Close()
		os.Remove(tmpPath)
		return err
	}
	idx.data = nil
	if err := idx.file.Close(); err != nil {
		next.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, idx.path); err != nil {
		next.Close()
		return err
	}

	idx.file = next.file
	idx.data = next.data
	idx.capacity = next.capacity
	idx.count = next.count
	idx.seed = next.seed
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".chunkindex-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
