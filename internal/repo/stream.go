package repo

import (
	"bytes"
	"context"
	"io"

	"vaultkeep/internal/bundle"
	"vaultkeep/internal/bundledb"
	"vaultkeep/internal/chunker"
	"vaultkeep/internal/chunkindex"
	"vaultkeep/internal/hashsum"
)

// ChunkRef names one chunk of a stream by content hash and raw length —
// what put_stream returns and get_stream consumes (spec.md §6.3).
type ChunkRef struct {
	Hash   hashsum.Sum
	Length uint32
}

// PutChunk records one chunk's bytes under the given mode, deduplicating
// against the Index (spec.md §4.8 "put_chunk").
func (r *Repository) PutChunk(ctx context.Context, mode bundle.Mode, data []byte) (chunkindex.Location, error) {
	var loc chunkindex.Location
	err := r.withExclusive(func() error {
		var innerErr error
		loc, innerErr = r.putChunkLocked(ctx, mode, data, false)
		return innerErr
	})
	return loc, err
}

// PutChunkOverride unconditionally appends data to the active writer for
// mode and repoints the Index at the new location, even if the chunk was
// already indexed elsewhere — used by vacuum to rewrite surviving chunks
// out of bundles being reclaimed (spec.md §4.8 "put_chunk_override").
func (r *Repository) PutChunkOverride(ctx context.Context, mode bundle.Mode, data []byte) (chunkindex.Location, error) {
	var loc chunkindex.Location
	err := r.withExclusive(func() error {
		var innerErr error
		loc, innerErr = r.putChunkLocked(ctx, mode, data, true)
		return innerErr
	})
	return loc, err
}

// putChunkLocked assumes r.mu and the Lock Folder are already held.
func (r *Repository) putChunkLocked(ctx context.Context, mode bundle.Mode, data []byte, override bool) (chunkindex.Location, error) {
	hash := r.hasher.Sum(data)

	if !override {
		if loc, ok, err := r.index.Get(hash); err != nil {
			return chunkindex.Location{}, err
		} else if ok {
			return loc, nil
		}
	}

	aw, err := r.writerForLocked(mode)
	if err != nil {
		return chunkindex.Location{}, err
	}
	_, chunkIdx := aw.w.Append(data)
	loc := chunkindex.Location{Bundle: aw.id, Chunk: chunkIdx}
	if err := r.index.Set(hash, loc); err != nil {
		return chunkindex.Location{}, err
	}

	if aw.w.Size() >= r.cfg.BundleSize {
		if err := r.finalizeWriterLocked(ctx, mode); err != nil {
			return chunkindex.Location{}, err
		}
	}
	return loc, nil
}

// writerForLocked returns the active writer for mode, creating one (and
// reserving its bundle-id) if none is open yet.
func (r *Repository) writerForLocked(mode bundle.Mode) (*activeWriter, error) {
	slot := r.writerSlot(mode)
	if *slot != nil {
		return *slot, nil
	}
	w, err := bundledb.NewWriter(mode, r.cfg.HashMethod, specOrNone(r.cfg.Compression), specOrNone(r.cfg.Encryption))
	if err != nil {
		return nil, err
	}
	id := r.allocateBundleIDLocked(mode)
	aw := &activeWriter{w: w, id: id}
	*slot = aw
	return aw, nil
}

func (r *Repository) writerSlot(mode bundle.Mode) **activeWriter {
	if mode == bundle.ModeMeta {
		return &r.metaWriter
	}
	return &r.dataWriter
}

// allocateBundleIDLocked reserves a fresh bundle-id for mode ahead of
// finalization, immediately advancing that mode's watermark so a second
// concurrent allocation for the other mode can't collide with it (spec.md
// §4.8 doesn't name this step directly, but put_chunk's "record Location
// in Index" on the same call that creates the writer requires the bundle
// id to exist before the bundle itself is registered in the Bundle Map).
func (r *Repository) allocateBundleIDLocked(mode bundle.Mode) uint32 {
	id := r.bmap.NextFreeID()
	if mode == bundle.ModeMeta {
		r.bmap.NextMeta = id
	} else {
		r.bmap.NextData = id
	}
	return id
}

// finalizeWriterLocked completes the active writer for mode, publishing
// it to the Bundle DB and registering its reserved id in the Bundle Map.
func (r *Repository) finalizeWriterLocked(ctx context.Context, mode bundle.Mode) error {
	slot := r.writerSlot(mode)
	aw := *slot
	if aw == nil || aw.w.Len() == 0 {
		return nil
	}
	info, err := r.db.AddBundle(ctx, aw.w, r.comp, r.seal)
	if err != nil {
		return err
	}
	r.bmap.Set(aw.id, info.ContentID)
	*slot = nil
	return nil
}

// GetChunk fetches the raw bytes at loc (spec.md §4.8 "get_chunk").
func (r *Repository) GetChunk(ctx context.Context, loc chunkindex.Location) ([]byte, error) {
	var out []byte
	err := r.withShared(func() error {
		var innerErr error
		out, innerErr = r.getChunkLocked(ctx, loc)
		return innerErr
	})
	return out, err
}

func (r *Repository) getChunkLocked(ctx context.Context, loc chunkindex.Location) ([]byte, error) {
	cid, ok := r.bmap.Get(loc.Bundle)
	if !ok {
		return nil, bundleMissingErr(loc.Bundle)
	}
	return r.db.GetChunk(ctx, cid, int(loc.Chunk), r.comp, r.seal)
}

// PutStream drives the configured chunker over r, submitting each emitted
// chunk through PutChunk and returning the ordered list of (hash, length)
// references a manifest needs to reconstruct the stream (spec.md §6.3).
func (r *Repository) PutStream(ctx context.Context, mode bundle.Mode, in io.Reader) ([]ChunkRef, error) {
	c, err := chunker.New(r.cfg.Chunker)
	if err != nil {
		return nil, err
	}

	var refs []ChunkRef
	var putErr error
	splitErr := c.Split(in, func(chunk []byte) bool {
		loc, err := r.PutChunk(ctx, mode, chunk)
		_ = loc
		if err != nil {
			putErr = err
			return false
		}
		refs = append(refs, ChunkRef{Hash: r.hasher.Sum(chunk), Length: uint32(len(chunk))})
		return true
	})
	if putErr != nil {
		return nil, putErr
	}
	if splitErr != nil {
		return nil, splitErr
	}
	return refs, nil
}

// GetStream resolves each ref through the Index and returns a reader that
// yields the original stream's bytes in order (spec.md §6.3).
func (r *Repository) GetStream(ctx context.Context, refs []ChunkRef) (io.Reader, error) {
	readers := make([]io.Reader, 0, len(refs))
	for _, ref := range refs {
		loc, ok, err := r.indexGet(ref.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, chunkMissingErr(ref.Hash)
		}
		data, err := r.GetChunk(ctx, loc)
		if err != nil {
			return nil, err
		}
		readers = append(readers, bytes.NewReader(data))
	}
	return io.MultiReader(readers...), nil
}

func (r *Repository) indexGet(hash hashsum.Sum) (chunkindex.Location, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Get(hash)
}

// Flush finalizes both active writers, persists the Bundle Map and Bundle
// DB cache, and syncs the Index (spec.md §4.8 "flush").
func (r *Repository) Flush(ctx context.Context) error {
	return r.withExclusive(func() error {
		return r.flushLocked(ctx)
	})
}

func (r *Repository) flushLocked(ctx context.Context) error {
	if err := r.finalizeWriterLocked(ctx, bundle.ModeData); err != nil {
		return err
	}
	if err := r.finalizeWriterLocked(ctx, bundle.ModeMeta); err != nil {
		return err
	}
	if err := r.bmap.Save(bundleMapPath(r.path)); err != nil {
		return err
	}
	if err := r.db.SaveCache(); err != nil {
		return err
	}
	return r.index.Flush()
}
