// Package storage provides the object storage tier that segments are
// archived to before retention removes them from local disk.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for archive operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectInfo describes an archived object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Archive is the object tier retired segment files are copied to.
// Implementations include S3, MinIO, and the local filesystem.
type Archive interface {
	// Put copies a local file to key, replacing any previous object. Large
	// files are uploaded in parts.
	Put(ctx context.Context, localPath, key string) (ObjectInfo, error)

	// Stat describes the object at key, or returns ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// MultipartConfig controls when and how large files are split into parts.
type MultipartConfig struct {
	// PartSize is the size of each part in bytes; smaller files are sent
	// in one request (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart configuration.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{PartSize: 5 * 1024 * 1024}
}

// Backend types accepted by Open.
const (
	TypeNone  = "none"
	TypeLocal = "local"
	TypeS3    = "s3"
	TypeMinio = "minio"
)

// Config selects and configures an archive backend. Prefix is prepended to
// every object key of the s3 and minio backends.
type Config struct {
	Type      string `json:"type" yaml:"type"`
	Path      string `json:"path" yaml:"path"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Region    string `json:"region" yaml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// Open builds the configured backend. It returns a nil Archive for type
// "none" or an empty type.
func Open(ctx context.Context, cfg Config) (Archive, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeLocal:
		return NewLocalArchive(cfg.Path)
	case TypeS3:
		s3cfg := DefaultS3Config()
		if cfg.Region != "" {
			s3cfg.Region = cfg.Region
		}
		s3cfg.Prefix = cfg.Prefix
		s3cfg.Endpoint = cfg.Endpoint
		s3cfg.UsePathStyle = cfg.Endpoint != ""
		return NewS3Archive(ctx, cfg.Bucket, s3cfg)
	case TypeMinio:
		return NewMinioArchive(MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
		})
	default:
		return nil, fmt.Errorf("storage: unknown backend type %q", cfg.Type)
	}
}
