// Package repo implements the Repository controller (spec.md §4.8): the
// component that composes the chunker, hasher, codec, bundle format,
// Bundle DB, Chunk Index, Bundle Map, and Lock Folder into the top-level
// algorithms a CLI or ingest layer drives — create, open, put/get chunk,
// flush, rebuild-index, analyze-usage, vacuum, and integrity check.
//
// The concurrency model (spec.md §5) is structural: every mutating method
// takes the repository's in-process mutex exclusively and the Lock
// Folder's cross-process exclusive lock; every read-only method takes
// the mutex for reading and the Lock Folder's shared lock. There are no
// background goroutines — callers drive all I/O synchronously, the same
// shape the teacher gives its ingestion pipeline.
package repo

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vaultkeep/internal/blobstore"
	"vaultkeep/internal/bundle"
	"vaultkeep/internal/bundledb"
	"vaultkeep/internal/bundlemap"
	"vaultkeep/internal/chunkindex"
	"vaultkeep/internal/codec"
	"vaultkeep/internal/config"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/keystore"
	"vaultkeep/internal/lockfolder"
	"vaultkeep/internal/logging"
	"vaultkeep/internal/vaulterr"
)

const (
	dirtyMarkerName = "dirty"
	lockStaleAfter  = 2 * time.Hour

	defaultExcludes = "# one glob pattern per line, matched against paths relative to the backup root\n.git/\n*.tmp\n"
	readmeContents  = "This directory is a vaultkeep repository.\n\n" +
		"Do not edit files under remote/ by hand; config.yaml, index, and\n" +
		"bundles.map are managed by the repository controller.\n"
)

// activeWriter pairs an in-flight Bundle DB writer with the bundle-id
// already reserved for it — reserved at writer creation, not at finalize,
// so put_chunk can record a stable Location before the bundle exists on
// remote (spec.md §4.8's put_chunk/flush split).
type activeWriter struct {
	w  *bundledb.Writer
	id uint32
}

// Repository is an open vaultkeep repository: every component spec.md
// §4 names, wired together and ready to serve put_chunk/get_chunk/flush
// and the maintenance operations.
type Repository struct {
	mu sync.RWMutex

	path       string
	remotePath string

	cfgStore *config.Store
	cfg      config.Config

	keys  *keystore.Store
	index *chunkindex.Index
	bmap  *bundlemap.Map
	db    *bundledb.DB

	remote blobstore.Backend
	lock   *lockfolder.Folder

	hasher hashsum.Hasher
	comp   codec.Compressor
	seal   codec.Sealer

	dataWriter *activeWriter
	metaWriter *activeWriter

	dirty bool

	log *slog.Logger
}

// Create validates remotePath, lays out a fresh repository skeleton at
// path, and returns it already open (spec.md §4.8 "Create"). remotePath
// is either a bare local directory (must be absolute) or a
// "scheme://bucket/prefix" URL dispatched to one of blobstore.Open's
// cloud backends (SPEC_FULL.md's remote bundle directory row); a scheme
// remote has nothing local to lay out, so the bundles/backups/locks
// subdirectories and the path/remote symlink are a local-only concern.
func Create(ctx context.Context, path string, cfg config.Config, remotePath string) (*Repository, error) {
	if !hasRemoteScheme(remotePath) && !filepath.IsAbs(remotePath) {
		return nil, vaulterr.New(vaulterr.KindConfigInvalid, "remote path must be absolute or a scheme:// URL: "+remotePath)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}

	if hasRemoteScheme(remotePath) {
		if err := os.MkdirAll(filepath.Join(path, "locks"), 0o755); err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindIO, err)
		}
	} else {
		if err := os.MkdirAll(remotePath, 0o755); err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindIO, err)
		}
		for _, sub := range []string{"bundles", "backups", "locks"} {
			if err := os.MkdirAll(filepath.Join(remotePath, sub), 0o755); err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindIO, err)
			}
		}

		remoteLink := filepath.Join(path, "remote")
		if _, err := os.Lstat(remoteLink); os.IsNotExist(err) {
			if err := os.Symlink(remotePath, remoteLink); err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindIO, err)
			}
		}
	}

	cfg.RemotePath = remotePath

	if err := writeIfAbsent(filepath.Join(path, "README"), readmeContents); err != nil {
		return nil, err
	}
	if err := writeIfAbsent(filepath.Join(path, "excludes"), defaultExcludes); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(path, "bundles"), 0o755); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}

	hasher, err := hashsum.New(cfg.HashMethod)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindConfigInvalid, err)
	}

	if _, err := chunkindex.Create(filepath.Join(path, "index"), hasher.Size()); err != nil {
		return nil, err
	}
	if err := bundlemap.New(hasher.Size()).Save(filepath.Join(path, "bundles.map")); err != nil {
		return nil, err
	}
	if _, err := keystore.Open(filepath.Join(path, "keys")); err != nil {
		return nil, err
	}

	cfgStore := config.Open(filepath.Join(path, "config.yaml"))
	if err := cfgStore.Save(cfg); err != nil {
		return nil, err
	}

	return Open(ctx, path)
}

// Open loads every on-disk component, absorbs any remote bundles the
// local cache didn't already know about (or has lost track of), and
// returns a ready repository (spec.md §4.8 "Open").
func Open(ctx context.Context, path string) (*Repository, error) {
	cfgStore := config.Open(filepath.Join(path, "config.yaml"))
	cfg, found, err := cfgStore.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, vaulterr.New(vaulterr.KindConfigInvalid, "no config.yaml at "+path)
	}

	hasher, err := hashsum.New(cfg.HashMethod)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindConfigInvalid, err)
	}
	comp, err := codec.NewCompressor(specOrNone(cfg.Compression))
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindConfigInvalid, err)
	}
	seal, err := codec.NewSealer(specOrNone(cfg.Encryption))
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindConfigInvalid, err)
	}

	keys, err := keystore.Open(filepath.Join(path, "keys"))
	if err != nil {
		return nil, err
	}
	if pub, ok := publicKeyFromSpec(cfg.Encryption); ok {
		if priv, ok := keys.Lookup(pub); ok {
			seal = codec.WithPrivateKey(seal, priv)
		}
	}

	remoteDial, lockDir := remoteDialAddr(path, cfg.RemotePath)
	remote, err := blobstore.Open(ctx, remoteDial)
	if err != nil {
		return nil, err
	}
	lock, err := lockfolder.New(lockDir, lockStaleAfter)
	if err != nil {
		return nil, err
	}

	handle, err := lock.Lock(lockfolder.Exclusive)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	db, newIDs, goneIDs, err := bundledb.Open(ctx, filepath.Join(path, "bundles"), remote)
	if err != nil {
		return nil, err
	}

	idx, err := chunkindex.Open(filepath.Join(path, "index"))
	if err != nil {
		return nil, err
	}

	bmap, err := bundlemap.Load(filepath.Join(path, "bundles.map"))
	if err != nil {
		return nil, err
	}

	r := &Repository{
		path:       path,
		remotePath: cfg.RemotePath,
		cfgStore:   cfgStore,
		cfg:        cfg,
		keys:       keys,
		index:      idx,
		bmap:       bmap,
		db:         db,
		remote:     remote,
		lock:       lock,
		hasher:     hasher,
		comp:       comp,
		seal:       seal,
		log:        logging.Discard(),
	}

	r.dirty, err = r.readDirtyMarker()
	if err != nil {
		return nil, err
	}

	if err := r.recomputeWatermarks(); err != nil {
		return nil, err
	}
	for _, cid := range newIDs {
		if err := r.addNewRemoteBundle(cid); err != nil {
			return nil, err
		}
	}
	for _, cid := range goneIDs {
		if err := r.removeGoneRemoteBundle(cid); err != nil {
			return nil, err
		}
	}
	if len(newIDs) > 0 || len(goneIDs) > 0 {
		if err := r.bmap.Save(filepath.Join(r.path, "bundles.map")); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// recomputeWatermarks rebuilds NextData/NextMeta from the bundle map's
// existing entries, since the map never persists them (spec.md §4.6).
// The mode of each existing bundle id comes from the Bundle DB's cached
// header, not the map itself, which only records content-ids.
func (r *Repository) recomputeWatermarks() error {
	for _, e := range r.bmap.Bundles() {
		info, _, err := r.db.GetChunkList(e.CID)
		if err != nil {
			continue // cached header missing; watermark will still advance past stray ids via NextFreeID's forward-map scan
		}
		switch info.Mode {
		case bundle.ModeData:
			if e.ID > r.bmap.NextData {
				r.bmap.NextData = e.ID
			}
		case bundle.ModeMeta:
			if e.ID > r.bmap.NextMeta {
				r.bmap.NextMeta = e.ID
			}
		}
	}
	return nil
}

// addNewRemoteBundle registers a remote bundle the cache just learned
// about: it gets a fresh mode-watermark id in the Bundle Map, and every
// one of its chunks is inserted into the Index.
func (r *Repository) addNewRemoteBundle(cid hashsum.Sum) error {
	info, entries, err := r.db.GetChunkList(cid)
	if err != nil {
		return err
	}
	id := r.bmap.NextFreeID()
	switch info.Mode {
	case bundle.ModeData:
		r.bmap.NextData = id
	case bundle.ModeMeta:
		r.bmap.NextMeta = id
	}
	r.bmap.Set(id, cid)
	for i, e := range entries {
		if err := r.index.Set(e.Hash, chunkindex.Location{Bundle: id, Chunk: uint32(i)}); err != nil {
			return err
		}
	}
	return nil
}

// removeGoneRemoteBundle drops a bundle the Bundle DB reports missing
// from remote: its id leaves the map and every Index entry pointing at
// it is filtered out.
func (r *Repository) removeGoneRemoteBundle(cid hashsum.Sum) error {
	id, ok := r.bmap.Find(cid)
	if ok {
		r.bmap.Remove(id)
		if err := r.index.Filter(func(_ hashsum.Sum, loc chunkindex.Location) bool {
			return loc.Bundle != id
		}); err != nil {
			return err
		}
	}
	return r.db.DeleteLocalBundle(cid)
}

// Close flushes any pending writes and releases all file handles. It is
// explicit and must be called on every exit path; the repository does
// not rely on a finalizer (spec.md §9 Open Question, resolved).
func (r *Repository) Close() error {
	if err := r.Flush(context.Background()); err != nil {
		return err
	}
	return r.index.Close()
}

// withExclusive runs fn holding the in-process write lock and a
// cross-process exclusive Lock Folder handle, matching spec.md §5's
// "write operations take an exclusive lock" rule.
func (r *Repository) withExclusive(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := r.lock.Lock(lockfolder.Exclusive)
	if err != nil {
		return err
	}
	defer handle.Release()
	return fn()
}

// withShared runs fn holding the in-process read lock and a cross-process
// shared Lock Folder handle, matching spec.md §5's "read operations take
// a shared lock" rule.
func (r *Repository) withShared(fn func() error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, err := r.lock.Lock(lockfolder.Shared)
	if err != nil {
		return err
	}
	defer handle.Release()
	return fn()
}

func (r *Repository) setDirty() error {
	if r.dirty {
		return nil
	}
	r.dirty = true
	return writeIfAbsent(filepath.Join(r.path, dirtyMarkerName), "")
}

func (r *Repository) setClean() error {
	r.dirty = false
	path := filepath.Join(r.path, dirtyMarkerName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (r *Repository) readDirtyMarker() (bool, error) {
	_, err := os.Stat(filepath.Join(r.path, dirtyMarkerName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, vaulterr.Wrap(vaulterr.KindIO, err)
}

func writeIfAbsent(path, contents string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

// hasRemoteScheme reports whether remotePath names a cloud backend
// ("s3://", "az://", "gs://", ...) rather than a bare local directory,
// mirroring blobstore.Open's own scheme detection.
func hasRemoteScheme(remotePath string) bool {
	return strings.Contains(remotePath, "://")
}

// remoteDialAddr returns the address blobstore.Open should dial and the
// local directory the Lock Folder should use. A scheme remote has no
// local mirror to symlink, so its locks live directly under path/locks
// and the blobstore dials the scheme URL itself, unmodified; a bare local
// remote keeps talking to remote through the path/remote symlink Create
// laid down, exactly as before scheme remotes existed.
func remoteDialAddr(path, remotePath string) (dialAddr, lockDir string) {
	if hasRemoteScheme(remotePath) {
		return remotePath, filepath.Join(path, "locks")
	}
	return filepath.Join(path, "remote"), filepath.Join(path, "remote", "locks")
}

// specOrNone maps an unset codec spec (the zero value of an omitempty
// config field) to the registered "none" strategy.
func specOrNone(spec string) string {
	if spec == "" {
		return "none"
	}
	return spec
}

// publicKeyFromSpec extracts the recipient public key from a
// "sealedbox/<hex>" encryption spec string, if that is the configured
// method.
func publicKeyFromSpec(spec string) (pub [32]byte, ok bool) {
	const prefix = "sealedbox/"
	if !strings.HasPrefix(spec, prefix) {
		return pub, false
	}
	raw, err := hex.DecodeString(spec[len(prefix):])
	if err != nil || len(raw) != 32 {
		return pub, false
	}
	copy(pub[:], raw)
	return pub, true
}

