package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"vaultkeep/internal/vaulterr"
)

// localBackend stores each key as a file under root, writing with the
// temp-file-plus-rename idiom used throughout the core (bundle, bundlemap,
// keystore) so a Put is atomic even on a cross-process remote/ directory
// shared with another repository instance.
type localBackend struct {
	root string
}

func newLocalBackend(root string) (Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return &localBackend{root: root}, nil
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) Put(_ context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
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
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *localBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return data, nil
}

func (b *localBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *localBackend) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	root := b.path(prefix)
	walkRoot := root
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		walkRoot = filepath.Dir(root)
	}
	err := filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return keys, nil
}

func (b *localBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}
