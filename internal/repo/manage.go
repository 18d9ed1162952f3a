package repo

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"vaultkeep/internal/codec"
	"vaultkeep/internal/config"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/logging"
)

// SetEncryption changes the repository's encryption method to seal new
// bundles under the given recipient public key, or disables encryption
// entirely when pub is nil. It never fails because the matching private
// key isn't resident locally — a write-only client commonly holds only
// the public half — but logs a warning, since that client won't be able
// to read its own bundles back until the secret key is registered
// (spec.md §4.8 "set_encryption", §4.9's read-only-without-private-key
// scenario).
func (r *Repository) SetEncryption(pub *[32]byte) error {
	return r.withExclusive(func() error {
		spec := "none/"
		if pub != nil {
			spec = "sealedbox/" + hex.EncodeToString(pub[:])
		}
		seal, err := codec.NewSealer(spec)
		if err != nil {
			return err
		}
		if pub != nil {
			if priv, ok := r.keys.Lookup(*pub); ok {
				seal = codec.WithPrivateKey(seal, priv)
			} else {
				r.log.Warn("encryption key set but no matching private key is resident locally; new bundles cannot be decrypted until one is registered",
					"public_key", hex.EncodeToString(pub[:]))
			}
		}
		r.cfg.Encryption = spec
		r.seal = seal
		return r.cfgStore.Save(r.cfg)
	})
}

// RegisterKey adds an externally-supplied key pair to the local key
// store — secret may be nil to register a recipient's public key only
// (spec.md §4.8 "register_key").
func (r *Repository) RegisterKey(pub [32]byte, secret *[32]byte) error {
	return r.withExclusive(func() error {
		return r.keys.RegisterKey(pub, secret)
	})
}

// SaveConfig persists the repository's current in-memory configuration
// (spec.md §4.8 "save_config").
func (r *Repository) SaveConfig() error {
	return r.withExclusive(func() error {
		return r.cfgStore.Save(r.cfg)
	})
}

// SetLogger replaces the repository's logger, which defaults to a discard
// logger (package logging) until a caller wires one in. cmd/vaultd scopes
// this to a "component": "repo" attribute so its ComponentFilterHandler
// can raise or lower verbosity for repository lifecycle logs independently
// of the rest of the CLI.
func (r *Repository) SetLogger(log *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = logging.Default(log)
}

// Config returns a copy of the repository's active configuration.
func (r *Repository) Config() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Import creates a fresh repository at path pointing at remotePath,
// registers each of keyFiles (hex-encoded public keys, one per file) as
// recipients, and — if latest returns a previously-published
// configuration — adopts it in place of the default, so a client that
// only has the remote's backup manifests and a set of key files can
// resume writing into an existing remote without having copied the
// original owner's config.yaml (the supplemented "adopt a foreign
// remote" path; backup manifests themselves stay opaque to the core).
func Import(ctx context.Context, path, remotePath string, keyFiles []string, latest func() (*config.Config, bool)) (*Repository, error) {
	r, err := Create(ctx, path, config.Default(), remotePath)
	if err != nil {
		return nil, err
	}

	for _, kf := range keyFiles {
		pub, err := readHexKeyFile(kf)
		if err != nil {
			return nil, fmt.Errorf("repo: import: reading key file %s: %w", kf, err)
		}
		if err := r.RegisterKey(pub, nil); err != nil {
			return nil, err
		}
	}

	if cfg, ok := latest(); ok && cfg != nil {
		if err := r.adoptConfig(*cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// adoptConfig replaces the repository's active configuration with cfg and
// rebuilds the hasher/codec/sealer accordingly.
func (r *Repository) adoptConfig(cfg config.Config) error {
	return r.withExclusive(func() error {
		hasher, err := hashsum.New(cfg.HashMethod)
		if err != nil {
			return err
		}
		comp, err := codec.NewCompressor(specOrNone(cfg.Compression))
		if err != nil {
			return err
		}
		seal, err := codec.NewSealer(specOrNone(cfg.Encryption))
		if err != nil {
			return err
		}
		if pub, ok := publicKeyFromSpec(cfg.Encryption); ok {
			if priv, ok := r.keys.Lookup(pub); ok {
				seal = codec.WithPrivateKey(seal, priv)
			}
		}
		cfg.RemotePath = r.cfg.RemotePath
		r.cfg = cfg
		r.hasher = hasher
		r.comp = comp
		r.seal = seal
		return r.cfgStore.Save(cfg)
	})
}

// readHexKeyFile reads a file containing a single hex-encoded 32-byte
// public key, tolerating surrounding whitespace.
func readHexKeyFile(path string) ([32]byte, error) {
	var out [32]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
