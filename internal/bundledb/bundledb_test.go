package bundledb

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"vaultkeep/internal/blobstore"
	"vaultkeep/internal/bundle"
	"vaultkeep/internal/codec"
)

func mustCompressor(t *testing.T) codec.Compressor {
	t.Helper()
	c, err := codec.NewCompressor("none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func mustSealer(t *testing.T) codec.Sealer {
	t.Helper()
	s, err := codec.NewSealer("none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func newTestDB(t *testing.T) (*DB, blobstore.Backend) {
	t.Helper()
	remote, err := blobstore.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db, newIDs, goneIDs, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache"), remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newIDs) != 0 || len(goneIDs) != 0 {
		t.Fatalf("expected empty repository to report no new/gone bundles, got %v %v", newIDs, goneIDs)
	}
	return db, remote
}

func TestAddBundleThenGetChunkList(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	comp, seal := mustCompressor(t), mustSealer(t)

	w, err := NewWriter(bundle.ModeData, "blake2b-128", "none", "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Append([]byte("hello"))
	w.Append([]byte("world"))

	info, err := db.AddBundle(ctx, w, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ChunkCount != 2 {
		t.Fatalf("expected 2 chunks, got %d", info.ChunkCount)
	}

	gotInfo, entries, err := db.GetChunkList(info.ContentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotInfo.ChunkCount != 2 || len(entries) != 2 {
		t.Fatalf("unexpected chunk list: %+v %+v", gotInfo, entries)
	}
}

func TestAddBundleThenGetChunk(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	comp, seal := mustCompressor(t), mustSealer(t)

	w, err := NewWriter(bundle.ModeData, "blake2b-128", "none", "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Append([]byte("hello"))
	w.Append([]byte("world"))

	info, err := db.AddBundle(ctx, w, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := db.GetChunk(ctx, info.ContentID, 1, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("expected %q, got %q", "world", got)
	}

	got0, err := db.GetChunk(ctx, info.ContentID, 0, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got0) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got0)
	}
}

func TestOpenDiscoversRemoteBundlesNotInCache(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	remote, err := blobstore.Open(ctx, remoteDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cacheDir := filepath.Join(t.TempDir(), "cache")
	db, _, _, err := Open(ctx, cacheDir, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	comp, seal := mustCompressor(t), mustSealer(t)
	w, _ := NewWriter(bundle.ModeData, "blake2b-128", "none", "none")
	w.Append([]byte("data"))
	info, err := db.AddBundle(ctx, w, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Reopen against a fresh, empty cache directory: the bundle is on
	// remote but unknown locally, so it must be reported as new.
	freshCache := filepath.Join(t.TempDir(), "cache2")
	_, newIDs, goneIDs, err := Open(ctx, freshCache, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(goneIDs) != 0 {
		t.Fatalf("expected no gone bundles, got %v", goneIDs)
	}
	if len(newIDs) != 1 {
		t.Fatalf("expected 1 new bundle, got %d", len(newIDs))
	}
	if len(newIDs[0]) != len(info.ContentID) {
		t.Fatalf("unexpected new bundle content-id shape")
	}
}

func TestOpenReportsGoneBundles(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	remote, err := blobstore.Open(ctx, remoteDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cacheDir := filepath.Join(t.TempDir(), "cache")
	db, _, _, err := Open(ctx, cacheDir, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	comp, seal := mustCompressor(t), mustSealer(t)
	w, _ := NewWriter(bundle.ModeData, "blake2b-128", "none", "none")
	w.Append([]byte("data"))
	info, err := db.AddBundle(ctx, w, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := remote.Delete(ctx, "bundles/"+hex.EncodeToString(info.ContentID)+".bundle"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, newIDs, goneIDs, err := Open(ctx, cacheDir, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newIDs) != 0 {
		t.Fatalf("expected no new bundles, got %v", newIDs)
	}
	if len(goneIDs) != 1 {
		t.Fatalf("expected 1 gone bundle, got %d", len(goneIDs))
	}
}

func TestDeleteLocalBundleRemovesCacheOnly(t *testing.T) {
	ctx := context.Background()
	db, remote := newTestDB(t)
	comp, seal := mustCompressor(t), mustSealer(t)
	w, _ := NewWriter(bundle.ModeData, "blake2b-128", "none", "none")
	w.Append([]byte("data"))
	info, err := db.AddBundle(ctx, w, comp, seal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := db.DeleteLocalBundle(info.ContentID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := db.GetChunkList(info.ContentID); err == nil {
		t.Fatal("expected GetChunkList to fail after local delete")
	}
	if _, err := remote.Get(ctx, "bundles/"+hex.EncodeToString(info.ContentID)+".bundle"); err != nil {
		t.Fatal("expected bundle to still exist on remote after a cache-only delete")
	}
}

func TestSaveCachePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	remote, err := blobstore.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db, _, _, err := Open(ctx, cacheDir, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	comp, seal := mustCompressor(t), mustSealer(t)
	w, _ := NewWriter(bundle.ModeData, "blake2b-128", "none", "none")
	w.Append([]byte("data"))
	if _, err := db.AddBundle(ctx, w, comp, seal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.SaveCache(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reopened, newIDs, goneIDs, err := Open(ctx, cacheDir, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newIDs) != 0 || len(goneIDs) != 0 {
		t.Fatalf("expected reopen to find cache already in sync, got %v %v", newIDs, goneIDs)
	}
	if len(reopened.Bundles()) != 1 {
		t.Fatalf("expected 1 bundle after reopen, got %d", len(reopened.Bundles()))
	}
}

