package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Archive archives segment files to an S3 bucket or an S3-compatible
// endpoint.
type S3Archive struct {
	client     *s3.Client
	bucket     string
	config     S3Config
	maxRetries int
}

// S3Config holds configuration for the S3 archive.
type S3Config struct {
	Region string
	// Endpoint is an optional custom endpoint (LocalStack, Ceph RGW, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing, needed by most custom endpoints.
	UsePathStyle bool
	// Prefix is prepended to all object keys (e.g. "vectordb/").
	Prefix    string
	Multipart MultipartConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:    "us-east-1",
		Multipart: DefaultMultipartConfig(),
	}
}

// NewS3Archive loads AWS credentials from the environment and creates an
// archive for bucket.
func NewS3Archive(ctx context.Context, bucket string, cfg S3Config) (*S3Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3ArchiveWithClient(client, bucket, cfg), nil
}

// NewS3ArchiveWithClient wraps a pre-configured client.
func NewS3ArchiveWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Archive {
	if cfg.Multipart.PartSize <= 0 {
		cfg.Multipart = DefaultMultipartConfig()
	}
	return &S3Archive{
		client:     client,
		bucket:     bucket,
		config:     cfg,
		maxRetries: 3,
	}
}

func (s *S3Archive) key(objectKey string) string {
	return path.Join(s.config.Prefix, objectKey)
}

// Put uploads a segment file. Files larger than one part go through a
// multipart upload that is aborted on failure.
func (s *S3Archive) Put(ctx context.Context, localPath, key string) (ObjectInfo, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	size := stat.Size()

	var etag string
	err = s.retryWithBackoff(ctx, func() error {
		var err error
		if size <= s.config.Multipart.PartSize {
			etag, err = s.putObject(ctx, file, size, s.key(key))
		} else {
			etag, err = s.putMultipart(ctx, file, size, s.key(key))
		}
		return err
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return ObjectInfo{Key: key, Size: size, ETag: etag}, nil
}

func (s *S3Archive) putObject(ctx context.Context, file *os.File, size int64, key string) (string, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(file, 0, size),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Archive) putMultipart(ctx context.Context, file *os.File, size int64, key string) (string, error) {
	partSize := s.config.Multipart.PartSize

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	numParts := int((size + partSize - 1) / partSize)
	parts := make([]types.CompletedPart, 0, numParts)
	for n := 1; n <= numParts; n++ {
		offset := int64(n-1) * partSize
		length := min(partSize, size-offset)

		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(n)),
			Body:          io.NewSectionReader(file, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			s.abortMultipart(ctx, key, uploadID)
			return "", err
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(int32(n))})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abortMultipart(ctx, key, uploadID)
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

func (s *S3Archive) abortMultipart(ctx context.Context, key string, uploadID *string) {
	_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// Stat reads an object's size and ETag with a HEAD request.
func (s *S3Archive) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := s.retryWithBackoff(ctx, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) {
				return ErrObjectNotFound
			}
			return err
		}
		info = ObjectInfo{Key: key, Size: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag)}
		return nil
	})
	return info, err
}

// Delete removes an archived object. S3 reports success for missing keys.
func (s *S3Archive) Delete(ctx context.Context, key string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

// retryWithBackoff runs op up to maxRetries+1 times with exponential backoff.
func (s *S3Archive) retryWithBackoff(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil || errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}
		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
