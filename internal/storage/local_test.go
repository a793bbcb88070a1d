package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "7.raw")
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestLocalArchive_PutStatDelete(t *testing.T) {
	archive, err := NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local archive: %v", err)
	}
	ctx := context.Background()
	content := []byte("segment bytes")
	key := "tables/1/20261018/7.raw"

	info, err := archive.Put(ctx, writeFile(t, content), key)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sum := md5.Sum(content)
	if info.Size != int64(len(content)) || info.ETag != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected put info %+v", info)
	}

	st, err := archive.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st != info {
		t.Errorf("expected stat %+v, got %+v", info, st)
	}

	if err := archive.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := archive.Stat(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound after delete, got %v", err)
	}
	// Deleting a missing object is not an error
	if err := archive.Delete(ctx, key); err != nil {
		t.Errorf("Delete of missing object failed: %v", err)
	}
}

func TestLocalArchive_PutReplaces(t *testing.T) {
	archive, err := NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local archive: %v", err)
	}
	ctx := context.Background()
	key := "tables/1/20261018/7.idx"

	if _, err := archive.Put(ctx, writeFile(t, []byte("first version")), key); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := archive.Put(ctx, writeFile(t, []byte("v2")), key); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	st, err := archive.Stat(ctx, key)
	if err != nil || st.Size != 2 {
		t.Fatalf("expected the replaced object, got %+v, %v", st, err)
	}

	entries, err := os.ReadDir(filepath.Join(archive.basePath, "tables", "1", "20261018"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestLocalArchive_PutMissingSource(t *testing.T) {
	archive, err := NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local archive: %v", err)
	}
	_, err = archive.Put(context.Background(), filepath.Join(t.TempDir(), "missing"), "k")
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed, got %v", err)
	}
	if _, err := NewLocalArchive(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, Config{Type: TypeNone})
	if err != nil || a != nil {
		t.Errorf("expected nil archive for type none, got %v, %v", a, err)
	}

	a, err = Open(ctx, Config{Type: TypeLocal, Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open local: %v", err)
	}
	if _, ok := a.(*LocalArchive); !ok {
		t.Errorf("expected *LocalArchive, got %T", a)
	}

	if _, err := Open(ctx, Config{Type: "tape"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(ctx, Config{Type: TypeMinio}); err == nil {
		t.Error("expected error for minio without endpoint")
	}
	if _, err := Open(ctx, Config{Type: TypeS3}); err == nil {
		t.Error("expected error for s3 without bucket")
	}
}
