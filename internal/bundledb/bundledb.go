// Package bundledb implements the Bundle DB (spec.md §4.5): a local cache
// of bundle headers and chunk-lists layered over the authoritative bundle
// blobs in remote/bundles/. Chunk bytes are never cached raw — only
// decoded (decompressed+opened) whole bundles are cached, in a bounded
// LRU, to amortize repeated restores from the same bundle without
// re-running the codec on every chunk access.
package bundledb

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"vaultkeep/internal/blobstore"
	"vaultkeep/internal/bundle"
	"vaultkeep/internal/callgroup"
	"vaultkeep/internal/codec"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

const remoteBundlePrefix = "bundles/"
const decodedCacheSize = 32

// Info is everything the Bundle DB and Bundle Map need to know about a
// finalized bundle, without its chunk data.
type Info struct {
	ContentID       hashsum.Sum `msgpack:"content_id"`
	Mode            bundle.Mode `msgpack:"mode"`
	ChunkCount      uint32      `msgpack:"chunk_count"`
	RawSize         int64       `msgpack:"raw_size"`
	EncodedSize     int64       `msgpack:"encoded_size"`
	HashMethod      string      `msgpack:"hash_method"`
	CompressionSpec string      `msgpack:"compression_spec"`
	EncryptionSpec  string      `msgpack:"encryption_spec"`
	CreatedAt       time.Time   `msgpack:"created_at"`
}

// cachedBundle is the on-disk shape of one bundles/<hex>.meta cache file:
// the bundle's header-derived Info plus its chunk-list, everything the
// Bundle DB needs to answer GetChunkList without touching the remote.
type cachedBundle struct {
	Info    Info                `msgpack:"info"`
	Entries []bundle.ChunkEntry `msgpack:"entries"`
}

// DB is the local cache over one repository's remote bundle directory.
type DB struct {
	localDir string
	remote   blobstore.Backend

	mu    sync.RWMutex
	cache map[string]cachedBundle // hex(content-id) -> summary

	decoded  *lru.Cache[string, []byte] // hex(content-id) -> decoded data blob
	inflight callgroup.Group[string]
}

// Open scans the remote bundle directory and diffs it against the local
// cache, per spec.md §4.5. newIDs are remote bundles the cache didn't
// know about (already absorbed into the cache and persisted before Open
// returns); goneIDs are bundles the cache remembers that have
// disappeared from remote — the caller (the repository controller) is
// responsible for removing their Locations from the Index and their id
// from the Bundle Map, then calling DeleteLocalBundle to drop them here.
func Open(ctx context.Context, localDir string, remote blobstore.Backend) (db *DB, newIDs, goneIDs []hashsum.Sum, err error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, nil, nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	cache, err := loadCacheDir(localDir)
	if err != nil {
		return nil, nil, nil, err
	}
	decoded, _ := lru.New[string, []byte](decodedCacheSize)
	db = &DB{localDir: localDir, remote: remote, cache: cache, decoded: decoded}

	remoteKeys, err := remote.List(ctx, remoteBundlePrefix)
	if err != nil {
		return nil, nil, nil, err
	}
	remoteIDs := make(map[string]bool, len(remoteKeys))
	for _, key := range remoteKeys {
		hexID := bundleHexFromKey(key)
		if hexID == "" {
			continue
		}
		remoteIDs[hexID] = true
		if _, known := cache[hexID]; !known {
			cid, decErr := hex.DecodeString(hexID)
			if decErr != nil {
				continue
			}
			newIDs = append(newIDs, hashsum.Sum(cid))
		}
	}
	for hexID := range cache {
		if !remoteIDs[hexID] {
			cid, decErr := hex.DecodeString(hexID)
			if decErr != nil {
				continue
			}
			goneIDs = append(goneIDs, hashsum.Sum(cid))
		}
	}

	for _, cid := range newIDs {
		if err := db.absorbRemoteBundle(ctx, cid); err != nil {
			return nil, nil, nil, err
		}
	}

	sortSums(newIDs)
	sortSums(goneIDs)
	return db, newIDs, goneIDs, nil
}

func (db *DB) absorbRemoteBundle(ctx context.Context, contentID hashsum.Sum) error {
	raw, err := db.remote.Get(ctx, bundleKey(contentID))
	if err != nil {
		return vaulterr.WrapDetail(vaulterr.KindBundleMissing, hex.EncodeToString(contentID), err)
	}
	header, entries, _, err := bundle.Decode(raw)
	if err != nil {
		return err
	}
	info := Info{
		ContentID:       contentID,
		Mode:            header.Mode,
		ChunkCount:      header.ChunkCount,
		RawSize:         int64(header.RawSize),
		EncodedSize:     int64(len(raw)),
		HashMethod:      header.HashMethod,
		CompressionSpec: header.CompressionSpec,
		EncryptionSpec:  header.EncryptionSpec,
		CreatedAt:       time.Now(),
	}
	return db.putCache(contentID, cachedBundle{Info: info, Entries: entries})
}

// GetChunkList returns the cached header and chunk-list for a bundle,
// without touching the remote blob — the "cheap" decode path spec.md
// §4.4 calls out.
func (db *DB) GetChunkList(contentID hashsum.Sum) (Info, []bundle.ChunkEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cb, ok := db.cache[hex.EncodeToString(contentID)]
	if !ok {
		return Info{}, nil, vaulterr.WrapDetail(vaulterr.KindBundleMissing, hex.EncodeToString(contentID), fmt.Errorf("not in local cache"))
	}
	return cb.Info, cb.Entries, nil
}

// GetChunk returns one chunk's raw bytes, decoding the owning bundle's
// full data blob at most once per LRU eviction window, deduplicating
// concurrent requests for the same bundle via callgroup.
func (db *DB) GetChunk(ctx context.Context, contentID hashsum.Sum, idx int, comp codec.Compressor, seal codec.Sealer) ([]byte, error) {
	_, entries, err := db.GetChunkList(contentID)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(entries) {
		return nil, vaulterr.New(vaulterr.KindChunkMissing, fmt.Sprintf("chunk index %d out of range for bundle %x", idx, contentID))
	}

	key := hex.EncodeToString(contentID)
	data, ok := db.decoded.Get(key)
	if !ok {
		if err := <-db.inflight.DoChan(key, func() error {
			if _, ok := db.decoded.Get(key); ok {
				return nil
			}
			raw, err := db.remote.Get(ctx, bundleKey(contentID))
			if err != nil {
				return vaulterr.WrapDetail(vaulterr.KindBundleMissing, key, err)
			}
			_, _, dataOffset, err := bundle.Decode(raw)
			if err != nil {
				return err
			}
			blob, err := bundle.DecodeData(raw, dataOffset, comp, seal)
			if err != nil {
				return err
			}
			db.decoded.Add(key, blob)
			return nil
		}); err != nil {
			return nil, err
		}
		data, ok = db.decoded.Get(key)
		if !ok {
			return nil, vaulterr.New(vaulterr.KindBundleMissing, key)
		}
	}

	offset, length := bundle.ChunkOffset(entries, idx)
	if offset+length > len(data) {
		return nil, vaulterr.New(vaulterr.KindBundleFormat, fmt.Sprintf("bundle %s data shorter than chunk-list implies", key))
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, nil
}

// AddBundle finalizes a Writer, publishes the encoded bundle to remote,
// and records its summary in the local cache, per spec.md §4.5's
// "compute content-id, atomically publish, update local metadata cache."
func (db *DB) AddBundle(ctx context.Context, w *Writer, comp codec.Compressor, seal codec.Sealer) (Info, error) {
	info, raw, err := w.Finalize(comp, seal)
	if err != nil {
		return Info{}, err
	}
	if err := db.remote.Put(ctx, bundleKey(info.ContentID), raw); err != nil {
		return Info{}, err
	}
	entries := make([]bundle.ChunkEntry, w.Len())
	copy(entries, w.entries)
	if err := db.putCache(info.ContentID, cachedBundle{Info: info, Entries: entries}); err != nil {
		return Info{}, err
	}
	return info, nil
}

// DeleteBundle removes a bundle from both the remote store and the local
// cache — used by vacuum once a rewrite set's surviving chunks have been
// relocated.
func (db *DB) DeleteBundle(ctx context.Context, contentID hashsum.Sum) error {
	if err := db.remote.Delete(ctx, bundleKey(contentID)); err != nil {
		return err
	}
	return db.DeleteLocalBundle(contentID)
}

// DeleteLocalBundle removes a bundle from the local cache only — used
// when Open reports a bundle as gone from remote, after the caller has
// already unwound its Index/Bundle Map entries.
func (db *DB) DeleteLocalBundle(contentID hashsum.Sum) error {
	key := hex.EncodeToString(contentID)
	db.mu.Lock()
	delete(db.cache, key)
	db.mu.Unlock()
	db.decoded.Remove(key)
	path := filepath.Join(db.localDir, key+".meta")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

// SaveCache persists the header summary and chunk-list of every known
// bundle, per spec.md §4.5 — idempotent, since AddBundle/absorbRemoteBundle
// already durably write each summary as it's learned; this exists so
// flush() has one call that guarantees the full cache is on disk.
func (db *DB) SaveCache() error {
	db.mu.RLock()
	snapshot := make(map[string]cachedBundle, len(db.cache))
	for k, v := range db.cache {
		snapshot[k] = v
	}
	db.mu.RUnlock()

	for key, cb := range snapshot {
		if err := writeCacheFile(db.localDir, key, cb); err != nil {
			return err
		}
	}
	return nil
}

// Bundles returns every bundle summary currently known to the cache, for
// rebuild_index and analyze_usage.
func (db *DB) Bundles() []Info {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]Info, 0, len(db.cache))
	for _, cb := range db.cache {
		out = append(out, cb.Info)
	}
	sort.Slice(out, func(i, j int) bool {
		return hex.EncodeToString(out[i].ContentID) < hex.EncodeToString(out[j].ContentID)
	})
	return out
}

func (db *DB) putCache(contentID hashsum.Sum, cb cachedBundle) error {
	key := hex.EncodeToString(contentID)
	db.mu.Lock()
	db.cache[key] = cb
	db.mu.Unlock()
	return writeCacheFile(db.localDir, key, cb)
}

func writeCacheFile(dir, key string, cb cachedBundle) error {
	data, err := msgpack.Marshal(cb)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	path := filepath.Join(dir, key+".meta")
	tmp, err := os.CreateTemp(dir, ".bundledb-*")
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
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func loadCacheDir(dir string) (map[string]cachedBundle, error) {
	out := make(map[string]cachedBundle)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".meta")
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var cb cachedBundle
		if err := msgpack.Unmarshal(data, &cb); err != nil {
			continue // corrupt cache entry: treat as unknown, rediscovered from remote on next scan
		}
		out[key] = cb
	}
	return out, nil
}

func bundleKey(contentID hashsum.Sum) string {
	return remoteBundlePrefix + hex.EncodeToString(contentID) + ".bundle"
}

func bundleHexFromKey(key string) string {
	name := strings.TrimPrefix(key, remoteBundlePrefix)
	if !strings.HasSuffix(name, ".bundle") {
		return ""
	}
	return strings.TrimSuffix(name, ".bundle")
}

func sortSums(sums []hashsum.Sum) {
	sort.Slice(sums, func(i, j int) bool {
		return hex.EncodeToString(sums[i]) < hex.EncodeToString(sums[j])
	})
}
