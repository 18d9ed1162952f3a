package keystore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestGenerateAndLookup(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kp, err := s.Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	priv, ok := s.Lookup(kp.Public)
	if !ok {
		t.Fatal("expected private key to be resident after Generate")
	}
	if !bytes.Equal(priv[:], kp.Private[:]) {
		t.Fatal("looked-up private key does not match generated one")
	}
}

func TestReopenPersistsKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kp, err := s.Generate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	priv, ok := reopened.Lookup(kp.Public)
	if !ok {
		t.Fatal("expected key to survive reopen")
	}
	if !bytes.Equal(priv[:], kp.Private[:]) {
		t.Fatal("private key mismatch after reopen")
	}
}

func TestRegisterPublicOnlyKey(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var pub [32]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	if err := s.RegisterKey(pub, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Has(pub) {
		t.Fatal("expected Has to report the registered public key")
	}
	if _, ok := s.Lookup(pub); ok {
		t.Fatal("expected Lookup to fail for a public-only key")
	}
}

func TestLookupMissingKey(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var pub [32]byte
	if _, ok := s.Lookup(pub); ok {
		t.Fatal("expected miss for unregistered key")
	}
}
