package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsNotFound(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "config.yaml"))
	_, found, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a missing config file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "config.yaml"))
	cfg := Default()
	cfg.Encryption = "sealedbox/deadbeef"

	if err := s.Save(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, found, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected found=true after save")
	}
	if loaded != cfg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", loaded, cfg)
	}
}

func TestLoadRejectsUnversionedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s := Open(path)
	if err := writeRaw(path, "chunker: cdc/20\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := s.Load(); err == nil {
		t.Fatal("expected error loading unversioned config")
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s := Open(path)
	if err := writeRaw(path, "version: 99\nconfig:\n  bundle_size: 1\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := s.Load(); err == nil {
		t.Fatal("expected error loading a config from a newer version")
	}
}

func TestDescribeChangeFlagsHashMethodChange(t *testing.T) {
	prev := Default()
	next := prev
	next.HashMethod = "murmur3-128"
	warning, invalidates := DescribeChange(prev, next)
	if !invalidates {
		t.Fatal("expected hash method change to invalidate dedup")
	}
	if warning == "" {
		t.Fatal("expected a non-empty warning")
	}
}

func TestDescribeChangeFlagsChunkerChange(t *testing.T) {
	prev := Default()
	next := prev
	next.Chunker = "fixed/4194304"
	_, invalidates := DescribeChange(prev, next)
	if !invalidates {
		t.Fatal("expected chunker change to invalidate dedup")
	}
}

func TestDescribeChangeIgnoresCompressionChange(t *testing.T) {
	prev := Default()
	next := prev
	next.Compression = "brotli/5"
	_, invalidates := DescribeChange(prev, next)
	if invalidates {
		t.Fatal("expected compression-only change not to invalidate dedup")
	}
}

func TestWatchFiresOnExternalRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s := Open(path)
	if err := s.Save(Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed := make(chan Config, 1)
	stop, err := s.Watch(func(cfg Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stop()

	updated := Default()
	updated.BundleSize = 128 << 20
	if err := s.Save(updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.BundleSize != updated.BundleSize {
			t.Fatalf("expected watch to observe updated bundle size, got %d", cfg.BundleSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch callback")
	}
}

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
