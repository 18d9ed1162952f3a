// Package blobstore abstracts the remote half of a repository — the
// directory tree under remote/ that holds bundles and backup manifests
// (spec.md §3, §6.1); the bundle map stays in the local repository
// directory. The local filesystem is the only
// backend spec.md requires; S3, Azure Blob, and GCS backends are additive,
// selected by the scheme of the configured remote_path
// ("s3://", "az://", "gs://", or a bare path for local), so a repository
// can point its remote/ at object storage without the core knowing the
// difference. Every backend implements the same flat key/value shape —
// bundles are already self-describing blobs, so the
// store itself stays dumb: Put, Get, Delete, List.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vaultkeep/internal/vaulterr"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("blobstore: key not found")

// Backend stores and retrieves opaque blobs by key. Keys use "/" as a
// path separator regardless of backend (local translates that to
// filepath.Join; the cloud backends use it natively as an object key).
type Backend interface {
	// Put writes data under key, replacing any existing blob.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the blob stored under key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob under key. Deleting an absent key is not an
	// error — callers (e.g. vacuum) may race with a previous partial
	// cleanup.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix, in no particular
	// order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Name identifies the backend kind, for logging.
	Name() string
}

// Open selects and constructs a Backend from a remote_path spec. A bare
// filesystem path (no "scheme://" prefix) opens the local backend rooted
// at that directory.
func Open(ctx context.Context, remotePath string) (Backend, error) {
	scheme, rest, ok := splitScheme(remotePath)
	if !ok {
		return newLocalBackend(remotePath)
	}
	switch scheme {
	case "s3":
		bucket, prefix := splitBucketPrefix(rest)
		return newS3Backend(ctx, bucket, prefix)
	case "az":
		bucket, prefix := splitBucketPrefix(rest)
		return newAzureBackend(ctx, bucket, prefix)
	case "gs":
		bucket, prefix := splitBucketPrefix(rest)
		return newGCSBackend(ctx, bucket, prefix)
	default:
		return nil, vaulterr.New(vaulterr.KindConfigInvalid, fmt.Sprintf("unsupported remote_path scheme %q", scheme))
	}
}

func splitScheme(path string) (scheme, rest string, ok bool) {
	i := strings.Index(path, "://")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+len("://"):], true
}

func splitBucketPrefix(rest string) (bucket, prefix string) {
	i := strings.Index(rest, "/")
	if i < 0 {
		return rest, ""
	}
	return rest[:i], strings.TrimPrefix(rest[i:], "/")
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
