package blobstore

import (
	"context"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"vaultkeep/internal/vaulterr"
)

// azureBackend stores blobs in one Azure Blob Storage container, under an
// optional key prefix (remote_path = "az://container/prefix"). The
// storage account connection string comes from the AZURE_STORAGE_CONNECTION_STRING
// environment variable, mirroring the "credentials never live in
// config.yaml" rule the S3 and GCS backends also follow.
type azureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

func newAzureBackend(_ context.Context, container, prefix string) (Backend, error) {
	connStr := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if connStr == "" {
		return nil, vaulterr.New(vaulterr.KindConfigInvalid, "AZURE_STORAGE_CONNECTION_STRING is not set")
	}
	client, err := azblob.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return &azureBackend{client: client, container: container, prefix: prefix}, nil
}

func (b *azureBackend) Name() string { return "azure" }

func (b *azureBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.UploadBuffer(ctx, b.container, joinKey(b.prefix, key), data, nil)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *azureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, joinKey(b.prefix, key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return data, nil
}

func (b *azureBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, joinKey(b.prefix, key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *azureBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	full := joinKey(b.prefix, prefix)
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindIO, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := *item.Name
			if b.prefix != "" {
				key = key[len(b.prefix)+1:]
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}
