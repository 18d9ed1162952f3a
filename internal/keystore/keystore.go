// Package keystore manages the X25519 key pairs under a repository's
// keys/ directory — one file per key pair, named by the hex-encoded
// public key (spec.md §6.1). Persistence follows the teacher's versioned-
// envelope-plus-atomic-rename pattern
// (internal/config/file/store.go), adapted from JSON to YAML since a
// key-pair file is a small, operator-readable artifact rather than a
// programmatic config blob.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"gopkg.in/yaml.v3"

	"vaultkeep/internal/vaulterr"
)

// KeyPair is one X25519 public key plus, when resident, its matching
// private key. A repository's config stores only the public half;
// decryption requires the matching file to exist locally.
type KeyPair struct {
	Public  [32]byte
	Private *[32]byte
}

func (k KeyPair) PublicHex() string { return hex.EncodeToString(k.Public[:]) }

// envelope is the on-disk shape of one keys/<hex> file (YAML, named by
// the hex-encoded public key with no extension).
type envelope struct {
	Version int    `yaml:"version"`
	Public  string `yaml:"public"`
	Private string `yaml:"private,omitempty"`
}

const currentVersion = 1

// Store is the in-memory view of a keys/ directory, loaded eagerly at
// Open and mutated only through Generate/RegisterKey — every
// mutation is flushed to disk immediately (spec.md's key store is small
// and rarely written, unlike the high-churn index or bundle map).
type Store struct {
	mu   sync.Mutex
	dir  string
	keys map[string]KeyPair // hex(public) -> pair
}

// Open loads every key-pair file in dir, creating dir if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	s := &Store{dir: dir, keys: make(map[string]KeyPair)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kp, err := readKeyFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, vaulterr.WrapDetail(vaulterr.KindConfigInvalid, e.Name(), err)
		}
		s.keys[kp.PublicHex()] = kp
	}
	return s, nil
}

// Generate creates a fresh X25519 key pair, persists both halves, and
// returns it.
func (s *Store) Generate() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	kp := KeyPair{Public: *pub, Private: priv}
	if err := s.persist(kp); err != nil {
		return KeyPair{}, err
	}
	s.mu.Lock()
	s.keys[kp.PublicHex()] = kp
	s.mu.Unlock()
	return kp, nil
}

// RegisterKey adds an externally-supplied key pair (secret may be nil to
// register a recipient's public key only, e.g. importing a backup
// created by a different owner's write-only client).
func (s *Store) RegisterKey(public [32]byte, secret *[32]byte) error {
	kp := KeyPair{Public: public, Private: secret}
	if err := s.persist(kp); err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[kp.PublicHex()] = kp
	s.mu.Unlock()
	return nil
}

// Lookup returns the private key for a public key, if resident locally.
func (s *Store) Lookup(public [32]byte) (*[32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keys[hex.EncodeToString(public[:])]
	if !ok || kp.Private == nil {
		return nil, false
	}
	return kp.Private, true
}

// Has reports whether any record (public-only or full pair) exists for
// the given public key.
func (s *Store) Has(public [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[hex.EncodeToString(public[:])]
	return ok
}

func (s *Store) persist(kp KeyPair) error {
	env := envelope{Version: currentVersion, Public: kp.PublicHex()}
	if kp.Private != nil {
		env.Private = hex.EncodeToString(kp.Private[:])
	}
	data, err := yaml.Marshal(env)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	path := filepath.Join(s.dir, kp.PublicHex())
	return writeFileAtomic(path, data)
}

func readKeyFile(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}
	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return KeyPair{}, err
	}
	pub, err := decode32(env.Public)
	if err != nil {
		return KeyPair{}, fmt.Errorf("public key: %w", err)
	}
	kp := KeyPair{Public: pub}
	if env.Private != "" {
		priv, err := decode32(env.Private)
		if err != nil {
			return KeyPair{}, fmt.Errorf("private key: %w", err)
		}
		kp.Private = &priv
	}
	return kp, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keystore-*")
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
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return os.Rename(tmpPath, path)
}
