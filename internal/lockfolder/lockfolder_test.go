package lockfolder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vaultkeep/internal/vaulterr"
)

func newTestFolder(t *testing.T) *Folder {
	t.Helper()
	f, err := New(filepath.Join(t.TempDir(), "locks"), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return f
}

func TestExclusiveLockExcludesSecondExclusive(t *testing.T) {
	f := newTestFolder(t)
	h, err := f.Lock(Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Release()

	if _, err := f.Lock(Exclusive); err == nil {
		t.Fatal("expected second exclusive lock to fail")
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	f := newTestFolder(t)
	// Two distinct holders on the same host collide on filename (host-pid),
	// so simulate a second holder by writing its descriptor directly.
	h1, err := f.Lock(Shared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h1.Release()

	other := Descriptor{Host: f.host, PID: os.Getpid() + 1, Kind: Shared, Acquired: time.Now()}
	if err := writeDescriptor(f.path(other), other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	holders, err := f.readAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(holders) != 2 {
		t.Fatalf("expected 2 shared holders, got %d", len(holders))
	}
}

func TestExclusiveBlockedBySharedLock(t *testing.T) {
	f := newTestFolder(t)
	h, err := f.Lock(Shared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Release()

	if _, err := f.Lock(Exclusive); err == nil {
		t.Fatal("expected exclusive lock to fail while a shared lock is held")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newTestFolder(t)
	h, err := f.Lock(Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("expected idempotent release, got error: %v", err)
	}
}

func TestLockAvailableAfterRelease(t *testing.T) {
	f := newTestFolder(t)
	h, err := f.Lock(Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := f.Lock(Exclusive)
	if err != nil {
		t.Fatalf("expected lock to succeed after release: %v", err)
	}
	h2.Release()
}

func TestStaleLockDetectedByAge(t *testing.T) {
	f := newTestFolder(t)
	f.staleAfter = time.Millisecond
	d := Descriptor{Host: f.host, PID: os.Getpid() + 1000, Kind: Exclusive, Acquired: time.Now().Add(-time.Hour)}
	if err := writeDescriptor(f.path(d), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale, err := f.Stale()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale lock, got %d", len(stale))
	}
}

func TestLockReportsStaleDistinctFromBusy(t *testing.T) {
	f := newTestFolder(t)
	f.staleAfter = time.Millisecond
	d := Descriptor{Host: f.host, PID: os.Getpid() + 1000, Kind: Exclusive, Acquired: time.Now().Add(-time.Hour)}
	if err := writeDescriptor(f.path(d), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.Lock(Exclusive)
	if err == nil {
		t.Fatal("expected lock attempt to fail")
	}
	if !vaulterr.Is(err, vaulterr.KindLockStale) {
		t.Fatalf("expected KindLockStale error, got: %v", err)
	}
}

func TestBreakStaleRefusesLiveLock(t *testing.T) {
	f := newTestFolder(t)
	h, err := f.Lock(Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Release()

	d := Descriptor{Host: f.host, PID: os.Getpid(), Kind: Exclusive, Acquired: time.Now()}
	if err := f.BreakStale(d); err == nil {
		t.Fatal("expected BreakStale to refuse a live lock")
	}
}
