package bundlemap

import (
	"bytes"
	"path/filepath"
	"testing"
)

func cid(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestSetGetFind(t *testing.T) {
	m := New(16)
	m.Set(3, cid(0xAA))
	got, ok := m.Get(3)
	if !ok || !bytes.Equal(got, cid(0xAA)) {
		t.Fatalf("unexpected Get result: %v %v", got, ok)
	}
	id, ok := m.Find(cid(0xAA))
	if !ok || id != 3 {
		t.Fatalf("unexpected Find result: %v %v", id, ok)
	}
}

func TestRemove(t *testing.T) {
	m := New(16)
	m.Set(3, cid(0xAA))
	removed, ok := m.Remove(3)
	if !ok || !bytes.Equal(removed, cid(0xAA)) {
		t.Fatalf("unexpected Remove result: %v %v", removed, ok)
	}
	if _, ok := m.Get(3); ok {
		t.Fatal("expected entry gone after remove")
	}
	if _, ok := m.Find(cid(0xAA)); ok {
		t.Fatal("expected reverse entry gone after remove")
	}
}

func TestNextFreeIDStartsAtOneWhenEmpty(t *testing.T) {
	m := New(16)
	if id := m.NextFreeID(); id != 1 {
		t.Fatalf("expected id 0 never used, first free id 1, got %d", id)
	}
}

func TestNextFreeIDSkipsPresentIDs(t *testing.T) {
	m := New(16)
	m.Set(1, cid(1))
	m.Set(2, cid(2))
	m.NextData = 0
	m.NextMeta = 0
	if id := m.NextFreeID(); id != 3 {
		t.Fatalf("expected next free id 3, got %d", id)
	}
}

func TestNextFreeIDUsesMaxOfBothWatermarks(t *testing.T) {
	m := New(16)
	m.NextData = 10
	m.NextMeta = 2
	if id := m.NextFreeID(); id != 11 {
		t.Fatalf("expected 11 (max(10,2)+1), got %d", id)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := New(16)
	m.Set(1, cid(1))
	m.Set(5, cid(5))
	m.Set(9, cid(9))

	path := filepath.Join(t.TempDir(), "bundles.map")
	if err := m.Save(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", loaded.Len())
	}
	for _, id := range []uint32{1, 5, 9} {
		got, ok := loaded.Get(id)
		if !ok || !bytes.Equal(got, cid(byte(id))) {
			t.Errorf("id %d: unexpected value %v %v", id, got, ok)
		}
	}
	if loaded.NextData != 0 || loaded.NextMeta != 0 {
		t.Fatalf("expected watermarks to start at zero after load, got %d/%d", loaded.NextData, loaded.NextMeta)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundles.map")
	if err := writeFileAtomic(path, []byte("too short")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading malformed bundle map")
	}
}

func TestBundlesReturnsAllEntries(t *testing.T) {
	m := New(16)
	m.Set(1, cid(1))
	m.Set(2, cid(2))
	entries := m.Bundles()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
