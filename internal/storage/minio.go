package storage

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds configuration for a MinIO archive.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is prepended to all object keys (e.g. "vectordb/")
	Prefix string
	UseSSL bool
	Region string
}

// MinioArchive archives segment files to MinIO.
type MinioArchive struct {
	client    *minio.Client
	bucket    string
	prefix    string
	multipart MultipartConfig
}

// NewMinioArchive creates a MinIO client for the configured endpoint.
func NewMinioArchive(cfg MinioConfig) (*MinioArchive, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create minio client: %w", err)
	}
	return NewMinioArchiveWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioArchiveWithClient wraps a pre-configured client.
func NewMinioArchiveWithClient(client *minio.Client, bucket, prefix string) *MinioArchive {
	return &MinioArchive{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		multipart: DefaultMultipartConfig(),
	}
}

func (m *MinioArchive) key(objectKey string) string {
	return path.Join(m.prefix, objectKey)
}

// Put uploads a local file; the client splits large files into parts.
func (m *MinioArchive) Put(ctx context.Context, localPath, key string) (ObjectInfo, error) {
	info, err := m.client.FPutObject(ctx, m.bucket, m.key(key), localPath, minio.PutObjectOptions{
		PartSize: uint64(m.multipart.PartSize),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// Stat describes an archived object.
func (m *MinioArchive) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucket, m.key(key), minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// Delete removes an archived object.
func (m *MinioArchive) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, m.key(key), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
