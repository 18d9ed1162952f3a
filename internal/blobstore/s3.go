package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vaultkeep/internal/vaulterr"
)

// s3Backend stores blobs as objects in one S3 bucket, under an optional
// key prefix (remote_path = "s3://bucket/prefix"). Credentials and region
// come from the standard AWS environment/config chain — a repository
// never carries cloud credentials itself.
type s3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Backend(ctx context.Context, bucket, prefix string) (Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return &s3Backend{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (b *s3Backend) Name() string { return "s3" }

func (b *s3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(joinKey(b.prefix, key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *s3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(joinKey(b.prefix, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return data, nil
}

func (b *s3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(joinKey(b.prefix, key)),
	})
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (b *s3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(joinKey(b.prefix, prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindIO, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = key[len(b.prefix)+1:]
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}
