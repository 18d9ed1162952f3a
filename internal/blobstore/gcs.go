package blobstore

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"vaultkeep/internal/vaulterr"
)

// gcsBackend stores blobs as objects in one Google Cloud Storage bucket,
// under an optional key prefix (remote_path = "gs://bucket/prefix").
// Application Default Credentials resolve the caller's identity, the same
// "credentials live outside config.yaml" rule as the S3 and Azure
// backends.
type gcsBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSBackend(ctx context.Context, bucket, prefix string) (Backend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return &gcsBackend{client: client, bucket: bucket, prefix: prefix}, nil
}

func (b *gcsBackend) Name() string { return "gcs" }

func (b *gcsBackend) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(joinKey(b.prefix, key))
}

func (b *gcsBackend) Put(ctx context.Context, key string, data []byte) error {
	w := b.object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	if err := w.Close(); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *gcsBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return data, nil
}

func (b *gcsBackend) Delete(ctx context.Context, key string) error {
	if err := b.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *gcsBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	full := joinKey(b.prefix, prefix)
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: full})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindIO, err)
		}
		key := attrs.Name
		if b.prefix != "" {
			key = key[len(b.prefix)+1:]
		}
		keys = append(keys, key)
	}
	return keys, nil
}
