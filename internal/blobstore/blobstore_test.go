package blobstore

import (
	"context"
	"sort"
	"testing"
)

func TestSplitScheme(t *testing.T) {
	scheme, rest, ok := splitScheme("s3://bucket/prefix")
	if !ok || scheme != "s3" || rest != "bucket/prefix" {
		t.Fatalf("unexpected split: %q %q %v", scheme, rest, ok)
	}
	if _, _, ok := splitScheme("/var/lib/vaultkeep/remote"); ok {
		t.Fatal("expected a bare path to have no scheme")
	}
}

func TestSplitBucketPrefix(t *testing.T) {
	bucket, prefix := splitBucketPrefix("bucket/a/b")
	if bucket != "bucket" || prefix != "a/b" {
		t.Fatalf("unexpected split: %q %q", bucket, prefix)
	}
	bucket, prefix = splitBucketPrefix("bucket")
	if bucket != "bucket" || prefix != "" {
		t.Fatalf("unexpected split with no prefix: %q %q", bucket, prefix)
	}
}

func TestOpenLocalBackendForBarePath(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Name() != "local" {
		t.Fatalf("expected local backend, got %s", b.Name())
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, "ftp://example.com/x"); err == nil {
		t.Fatal("expected unknown scheme to fail")
	}
}

func TestLocalBackendPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b, err := newLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Put(ctx, "bundles/aa/bb.bundle", []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := b.Get(ctx, "bundles/aa/bb.bundle")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected contents: %q", got)
	}
	if err := b.Delete(ctx, "bundles/aa/bb.bundle"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Get(ctx, "bundles/aa/bb.bundle"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalBackendGetMissingKey(t *testing.T) {
	ctx := context.Background()
	b, err := newLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Get(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalBackendDeleteMissingKeyIsNotError(t *testing.T) {
	ctx := context.Background()
	b, err := newLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Delete(ctx, "nope"); err != nil {
		t.Fatalf("expected deleting an absent key to succeed, got %v", err)
	}
}

func TestLocalBackendListByPrefix(t *testing.T) {
	ctx := context.Background()
	b, err := newLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"bundles/data/1", "bundles/data/2", "bundles/meta/1", "bundlemap"} {
		if err := b.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	keys, err := b.List(ctx, "bundles/data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Strings(keys)
	want := []string{"bundles/data/1", "bundles/data/2"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}
