// Package config persists the per-repository configuration: target bundle
// size, chunker spec, hash method, and optional compression/encryption
// specs (spec.md §3 "Configuration"). Persistence follows the teacher's
// versioned-JSON-envelope-plus-atomic-rename idiom from
// internal/config/file/store.go, adapted to YAML (config.yaml is meant to
// be operator-editable) and with round-trip validation kept intact. A
// Watch method, grounded on internal/cert.Manager's fsnotify-based reload,
// lets a long-running process pick up a relaxed bundle_size without
// restarting; cmd/vaultd's serve subcommand does not call it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"vaultkeep/internal/vaulterr"
)

const currentVersion = 1

// Config is the declarative shape of one repository's config.yaml.
//
// Changing HashMethod or Chunker invalidates deduplication against
// existing data: new chunks will be hashed or split differently than
// everything already in the repository, so old and new chunks will
// rarely if ever match. The engine warns on such a change (see
// DescribeChange) but does not refuse it — spec.md leaves that tradeoff
// to the operator.
type Config struct {
	BundleSize  int64  `yaml:"bundle_size"`
	Chunker     string `yaml:"chunker"`
	HashMethod  string `yaml:"hash_method"`
	Compression string `yaml:"compression,omitempty"`
	Encryption  string `yaml:"encryption,omitempty"`

	// RemotePath is the remote_path given to repo.Create, carried verbatim:
	// either a bare local directory or a "scheme://bucket/prefix" cloud
	// URL. repo.Open re-derives which blobstore.Backend to dial from this
	// string alone, so it must be the exact value Open should reuse, not a
	// local symlink target.
	RemotePath string `yaml:"remote_path"`
}

// envelope is the versioned on-disk format of config.yaml.
type envelope struct {
	Version int     `yaml:"version"`
	Config  *Config `yaml:"config"`
}

// Default returns the out-of-the-box configuration: 64MiB bundles, content-
// defined chunking at a 1MiB average, BLAKE2b-128 hashing, zstd level 3
// compression, and no encryption.
func Default() Config {
	return Config{
		BundleSize:  64 << 20,
		Chunker:     "cdc/20",
		HashMethod:  "blake2b-128",
		Compression: "zstd/3",
	}
}

// Store manages one repository's config.yaml: load, save, and live reload.
type Store struct {
	mu   sync.Mutex
	path string

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// Open returns a Store rooted at path (typically <repo>/config.yaml). It
// does not require the file to exist yet — use Load to detect that case.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load reads and parses config.yaml. Returns (zero, false, nil) if the
// file does not exist yet.
func (s *Store) Load() (Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Config, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, false, nil
		}
		return Config{}, false, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return Config{}, false, vaulterr.WrapDetail(vaulterr.KindConfigInvalid, s.path, err)
	}
	if env.Version == 0 {
		return Config{}, false, vaulterr.New(vaulterr.KindConfigInvalid,
			fmt.Sprintf("%s: unversioned config file", s.path))
	}
	if env.Version > currentVersion {
		return Config{}, false, vaulterr.New(vaulterr.KindConfigInvalid,
			fmt.Sprintf("%s: config version %d is newer than supported version %d", s.path, env.Version, currentVersion))
	}
	if env.Config == nil {
		return Config{}, false, nil
	}
	return *env.Config, true, nil
}

// Save atomically persists cfg, validating by reading the temp file back
// before the rename (the teacher's round-trip check against a corrupt
// partial write).
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}

	env := envelope{Version: currentVersion, Config: &cfg}
	data, err := yaml.Marshal(env)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	var verify envelope
	if err := yaml.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return vaulterr.WrapDetail(vaulterr.KindConfigInvalid, s.path, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

// DescribeChange reports whether moving from prev to next invalidates
// deduplication against already-written chunks (a HashMethod or Chunker
// change), so a caller can warn the operator without blocking the save.
func DescribeChange(prev, next Config) (warning string, invalidatesDedup bool) {
	switch {
	case prev.HashMethod != "" && prev.HashMethod != next.HashMethod:
		return fmt.Sprintf("hash method changed from %q to %q: chunks written under the old method will rarely dedupe against new ones", prev.HashMethod, next.HashMethod), true
	case prev.Chunker != "" && prev.Chunker != next.Chunker:
		return fmt.Sprintf("chunker changed from %q to %q: existing chunk boundaries will not match new data", prev.Chunker, next.Chunker), true
	default:
		return "", false
	}
}

// Watch starts watching config.yaml for external edits, invoking onChange
// with the newly loaded Config whenever the file is rewritten. The
// returned stop function must be called to release the watcher; it is
// safe to call more than once.
func (s *Store) Watch(onChange func(Config)) (stop func(), err error) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}

	s.watcher = watcher
	s.stop = make(chan struct{})
	stopCh := s.stop

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, found, err := s.Load()
				if err != nil || !found {
					continue
				}
				onChange(cfg)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if s.stop == nil {
			return
		}
		close(s.stop)
		s.stop = nil
		s.watcher = nil
	}, nil
}
