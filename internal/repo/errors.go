package repo

import (
	"fmt"
	"path/filepath"

	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

func bundleMapPath(repoPath string) string {
	return filepath.Join(repoPath, "bundles.map")
}

func bundleMissingErr(id uint32) error {
	return vaulterr.WrapDetail(vaulterr.KindBundleMissing, fmt.Sprintf("%d", id),
		fmt.Errorf("no bundle map entry for bundle id %d", id))
}

func chunkMissingErr(hash hashsum.Sum) error {
	return vaulterr.WrapDetail(vaulterr.KindChunkMissing, fmt.Sprintf("%x", []byte(hash)),
		fmt.Errorf("chunk hash not present in index"))
}
