package archive

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioUploader writes bundles to a bucket, creating it on first use.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

func NewMinioUploader(ctx context.Context, opts MinioOptions) (*MinioUploader, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &MinioUploader{client: client, bucket: opts.Bucket}, nil
}

func (u *MinioUploader) Upload(ctx context.Context, key, path string) error {
	if _, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/x-git-bundle",
	}); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
