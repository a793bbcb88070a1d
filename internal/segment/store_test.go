package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func testVectors(n, dim int, base float32) ([][]float32, []int64) {
	vectors := make([][]float32, n)
	ids := make([]int64, n)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = base + float32(i*dim+j)
		}
		vectors[i] = v
		ids[i] = int64(i) + int64(base)*1000
	}
	return vectors, ids
}

func TestStore_AppendAndReadRaw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref{TableID: 1, Partition: "20261018", SegmentID: 7}

	v1, id1 := testVectors(3, 4, 1)
	n1, err := s.AppendRaw(ctx, ref, v1, id1)
	if err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	ref.Size += n1

	v2, id2 := testVectors(2, 4, 5)
	n2, err := s.AppendRaw(ctx, ref, v2, id2)
	if err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	ref.Size += n2

	rows, err := s.ReadRaw(ctx, ref)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	if rows[0].ID != id1[0] || rows[3].ID != id2[0] {
		t.Errorf("unexpected ids %d, %d", rows[0].ID, rows[3].ID)
	}
	for j, f := range v2[1] {
		if rows[4].Vector[j] != f {
			t.Fatalf("vector mismatch at %d: got %v want %v", j, rows[4].Vector, v2[1])
		}
	}

	// A snapshot taken after the first append sees only the first block
	snap := ref
	snap.Size = n1
	rows, err = s.ReadRaw(ctx, snap)
	if err != nil {
		t.Fatalf("ReadRaw snapshot: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows in snapshot, got %d", len(rows))
	}
}

func TestStore_AppendDiscardsUncommittedTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref{TableID: 1, Partition: "20261018", SegmentID: 1}

	v, ids := testVectors(2, 3, 1)
	n, err := s.AppendRaw(ctx, ref, v, ids)
	if err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}

	// Second append whose size was never committed
	committed := ref
	committed.Size = n
	if _, err := s.AppendRaw(ctx, committed, v, ids); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}

	// Retry of the same rows at the committed offset
	n2, err := s.AppendRaw(ctx, committed, v, ids)
	if err != nil {
		t.Fatalf("AppendRaw retry: %v", err)
	}
	committed.Size += n2

	rows, err := s.ReadRaw(ctx, committed)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if len(rows) != 4 {
		t.Errorf("expected 4 rows after retry, got %d", len(rows))
	}
	info, _ := os.Stat(filepath.Join(s.Root(), filepath.FromSlash(ref.RawPath())))
	if info.Size() != committed.Size {
		t.Errorf("expected file size %d, got %d", committed.Size, info.Size())
	}
}

func TestStore_TornTrailingFrameIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref{TableID: 2, Partition: "20261018", SegmentID: 3}

	v, ids := testVectors(4, 2, 1)
	n, err := s.AppendRaw(ctx, ref, v, ids)
	if err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}

	// Simulate a crash mid-write: a partial frame at the end of the file
	p := filepath.Join(s.Root(), filepath.FromSlash(ref.RawPath()))
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x02})
	f.Close()

	ref.Size = n + 6
	rows, err := s.ReadRaw(ctx, ref)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if len(rows) != 4 {
		t.Errorf("expected the complete block only, got %d rows", len(rows))
	}
}

func TestStore_ReadRawVanished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows, err := s.ReadRaw(ctx, Ref{TableID: 1, Partition: "20261018", SegmentID: 9})
	if err != nil || len(rows) != 0 {
		t.Errorf("expected empty read of an uncommitted segment, got %d rows, %v", len(rows), err)
	}

	_, err = s.ReadRaw(ctx, Ref{TableID: 1, Partition: "20261018", SegmentID: 9, Size: 100})
	if !errors.Is(err, engerrors.ErrSegmentVanished) {
		t.Errorf("expected ErrSegmentVanished, got %v", err)
	}
}

func TestStore_IndexArtifactWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref{TableID: 1, Partition: "20261018", SegmentID: 4}

	p, err := s.WriteIndexArtifact(ctx, ref, []byte("index-v1"))
	if err != nil {
		t.Fatalf("WriteIndexArtifact: %v", err)
	}
	if p != "tables/1/20261018/4.idx" {
		t.Errorf("unexpected artifact path %q", p)
	}

	_, err = s.WriteIndexArtifact(ctx, ref, []byte("index-v2"))
	if !errors.Is(err, engerrors.ErrArtifactExists) {
		t.Fatalf("expected ErrArtifactExists, got %v", err)
	}

	data, err := s.ReadIndexArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("ReadIndexArtifact: %v", err)
	}
	if string(data) != "index-v1" {
		t.Errorf("artifact was overwritten: %q", data)
	}

	// No temp files are left behind
	entries, _ := os.ReadDir(filepath.Dir(filepath.Join(s.Root(), filepath.FromSlash(p))))
	if len(entries) != 1 {
		t.Errorf("expected only the artifact in the partition dir, got %d entries", len(entries))
	}

	if err := s.DeleteIndexArtifact(ctx, ref); err != nil {
		t.Fatalf("DeleteIndexArtifact: %v", err)
	}
	if _, err := s.ReadIndexArtifact(ctx, ref); !errors.Is(err, engerrors.ErrSegmentVanished) {
		t.Errorf("expected ErrSegmentVanished after delete, got %v", err)
	}
	if _, err := s.WriteIndexArtifact(ctx, ref, []byte("index-v2")); err != nil {
		t.Errorf("expected rewrite after delete to succeed: %v", err)
	}
}

func TestStore_DeleteAndUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref{TableID: 5, Partition: "20261018", SegmentID: 1}

	v, ids := testVectors(10, 8, 1)
	n, err := s.AppendRaw(ctx, ref, v, ids)
	if err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	usage, err := s.DiskUsage(5)
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if usage != n {
		t.Errorf("expected usage %d, got %d", n, usage)
	}

	if err := s.DeleteSegmentFiles(ctx, ref); err != nil {
		t.Fatalf("DeleteSegmentFiles: %v", err)
	}
	if err := s.DeleteSegmentFiles(ctx, ref); err != nil {
		t.Errorf("DeleteSegmentFiles should be idempotent: %v", err)
	}
	usage, _ = s.DiskUsage(5)
	if usage != 0 {
		t.Errorf("expected zero usage after delete, got %d", usage)
	}

	if err := s.DeleteTableFiles(ctx, 5); err != nil {
		t.Errorf("DeleteTableFiles: %v", err)
	}
}

func TestStore_Archive(t *testing.T) {
	archive, err := storage.NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalArchive: %v", err)
	}
	s, err := NewStore(t.TempDir(), archive)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	ref := Ref{TableID: 1, Partition: "20261018", SegmentID: 2}

	v, ids := testVectors(2, 2, 1)
	if _, err := s.AppendRaw(ctx, ref, v, ids); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	if _, err := s.WriteIndexArtifact(ctx, ref, []byte("idx")); err != nil {
		t.Fatalf("WriteIndexArtifact: %v", err)
	}

	ok, err := s.Archive(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Archive: %v, %v", ok, err)
	}
	for _, p := range []string{ref.RawPath(), ref.IndexPath()} {
		info, err := archive.Stat(ctx, p)
		if err != nil {
			t.Errorf("expected %s in archive: %v", p, err)
			continue
		}
		fi, _ := os.Stat(filepath.Join(s.Root(), filepath.FromSlash(p)))
		if info.Size != fi.Size() {
			t.Errorf("archived %s has %d bytes, want %d", p, info.Size, fi.Size())
		}
	}

	plain := newTestStore(t)
	if ok, err := plain.Archive(ctx, ref); ok || err != nil {
		t.Errorf("expected no-op archive without a tier, got %v, %v", ok, err)
	}
}

// truncatingArchive reports artifacts one byte short, as if the upload was cut.
type truncatingArchive struct {
	*storage.LocalArchive
}

func (a truncatingArchive) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	info, err := a.LocalArchive.Stat(ctx, key)
	if err == nil && strings.HasSuffix(key, indexExt) {
		info.Size--
	}
	return info, err
}

func TestStore_ArchiveRemovesPartialUpload(t *testing.T) {
	local, err := storage.NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalArchive: %v", err)
	}
	s, err := NewStore(t.TempDir(), truncatingArchive{local})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	ref := Ref{TableID: 1, Partition: "20261018", SegmentID: 3}

	v, ids := testVectors(2, 2, 1)
	if _, err := s.AppendRaw(ctx, ref, v, ids); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	if _, err := s.WriteIndexArtifact(ctx, ref, []byte("idx")); err != nil {
		t.Fatalf("WriteIndexArtifact: %v", err)
	}

	ok, err := s.Archive(ctx, ref)
	if ok || !errors.Is(err, engerrors.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v, %v", ok, err)
	}
	for _, p := range []string{ref.RawPath(), ref.IndexPath()} {
		if _, err := local.Stat(ctx, p); !errors.Is(err, storage.ErrObjectNotFound) {
			t.Errorf("expected %s removed from archive, got %v", p, err)
		}
	}
	// Local files are untouched
	if _, err := os.Stat(filepath.Join(s.Root(), filepath.FromSlash(ref.IndexPath()))); err != nil {
		t.Errorf("local artifact missing: %v", err)
	}
}
