package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalArchive archives segment files into a local directory, typically a
// slower or network-mounted volume.
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates basePath if needed.
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if basePath == "" {
		return nil, fmt.Errorf("storage: local archive path is empty")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

// Put copies a file into the archive through a temp file and a rename, so a
// crash never leaves a truncated object under key.
func (l *LocalArchive) Put(ctx context.Context, localPath, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	dest := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), src)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return ObjectInfo{Key: key, Size: n, ETag: hex.EncodeToString(hash.Sum(nil))}, nil
}

// Stat hashes the archived file to report its ETag.
func (l *LocalArchive) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	f, err := os.Open(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, err
	}
	defer f.Close()

	hash := md5.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: n, ETag: hex.EncodeToString(hash.Sum(nil))}, nil
}

// Delete removes an archived object.
func (l *LocalArchive) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

func (l *LocalArchive) fullPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}
