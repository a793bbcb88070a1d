// Package segment stores segment bytes on local disk: append-only raw files
// holding inserted vectors, and write-once index artifacts.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/storage"
	"github.com/arkilian/vectordb/pkg/types"
)

const (
	rawExt   = ".raw"
	indexExt = ".idx"
)

// Ref identifies a segment's files.
type Ref struct {
	TableID   int64
	Partition string
	SegmentID int64

	// Size is the committed raw byte length. Reads stop there and appends
	// discard anything beyond it. Zero means the file is empty.
	Size int64
}

// RefOf builds a Ref from a catalog record.
func RefOf(rec *types.SegmentRecord) Ref {
	return Ref{TableID: rec.TableID, Partition: rec.Partition, SegmentID: rec.ID, Size: rec.SizeBytes}
}

func (r Ref) dir() string {
	return path.Join("tables", strconv.FormatInt(r.TableID, 10), r.Partition)
}

// RawPath is the raw file path relative to the store root.
func (r Ref) RawPath() string {
	return path.Join(r.dir(), strconv.FormatInt(r.SegmentID, 10)+rawExt)
}

// IndexPath is the index artifact path relative to the store root.
func (r Ref) IndexPath() string {
	return path.Join(r.dir(), strconv.FormatInt(r.SegmentID, 10)+indexExt)
}

// Store manages segment files under a root directory.
type Store struct {
	root    string
	archive storage.Archive
}

// NewStore creates a store rooted at root. archive may be nil.
func NewStore(root string, archive storage.Archive) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "tables"), 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create root: %w", err)
	}
	return &Store{root: root, archive: archive}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// HasArchive reports whether an archive tier is configured.
func (s *Store) HasArchive() bool {
	return s.archive != nil
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// AppendRaw appends one framed block of rows to the segment's raw file and
// fsyncs it. Bytes past ref.Size, left by an append whose catalog update
// never committed, are discarded first. Returns the number of bytes
// appended. Callers serialize appends to the same segment.
func (s *Store) AppendRaw(ctx context.Context, ref Ref, vectors [][]float32, ids []int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	if len(ids) != len(vectors) {
		return 0, engerrors.InvalidArgument("segment: %d ids for %d vectors", len(ids), len(vectors))
	}

	p := s.abs(ref.RawPath())
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return 0, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to create partition dir", err)
	}

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to open raw file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to stat raw file", err)
	}
	switch {
	case info.Size() < ref.Size:
		return 0, engerrors.NewStorageError(engerrors.CodeCorrupted,
			fmt.Sprintf("segment: raw file %s is %d bytes, catalog expects %d", ref.RawPath(), info.Size(), ref.Size), nil)
	case info.Size() > ref.Size:
		if err := f.Truncate(ref.Size); err != nil {
			return 0, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to truncate uncommitted tail", err)
		}
	}

	data := frame(encodeBlock(vectors, ids, len(vectors[0])))
	if _, err := f.WriteAt(data, ref.Size); err != nil {
		return 0, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to append block", err)
	}
	if err := f.Sync(); err != nil {
		return 0, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to fsync raw file", err)
	}
	if ref.Size == 0 {
		syncDir(filepath.Dir(p))
	}

	return int64(len(data)), nil
}

// ReadRaw returns the committed rows of a segment. A missing file is
// reported as ErrSegmentVanished unless nothing was ever committed.
func (s *Store) ReadRaw(ctx context.Context, ref Ref) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.abs(ref.RawPath()))
	if err != nil {
		if os.IsNotExist(err) {
			if ref.Size == 0 {
				return nil, nil
			}
			return nil, vanished(ref, err)
		}
		return nil, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to open raw file", err)
	}
	defer f.Close()

	rows, err := readFrames(io.LimitReader(f, ref.Size))
	if err != nil {
		return nil, engerrors.NewStorageError(engerrors.CodeCorrupted,
			fmt.Sprintf("segment: failed to decode %s", ref.RawPath()), err)
	}
	return rows, nil
}

// WriteIndexArtifact stores an index artifact exactly once: the data is
// written to a temp file, fsynced, then hard-linked into place. Fails with
// ErrArtifactExists when an artifact is already present.
func (s *Store) WriteIndexArtifact(ctx context.Context, ref Ref, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	final := s.abs(ref.IndexPath())
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to create partition dir", err)
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return "", engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to write artifact", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", engerrors.ErrArtifactExists.WithDetails(map[string]interface{}{"path": ref.IndexPath()})
		}
		return "", engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to publish artifact", err)
	}
	syncDir(dir)

	return ref.IndexPath(), nil
}

// ReadIndexArtifact reads a segment's index artifact.
func (s *Store) ReadIndexArtifact(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.abs(ref.IndexPath()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vanished(ref, err)
		}
		return nil, engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to read artifact", err)
	}
	return data, nil
}

// DeleteIndexArtifact removes an index artifact if present.
func (s *Store) DeleteIndexArtifact(ctx context.Context, ref Ref) error {
	if err := os.Remove(s.abs(ref.IndexPath())); err != nil && !os.IsNotExist(err) {
		return engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to delete artifact", err)
	}
	return nil
}

// DeleteSegmentFiles removes the raw file and artifact of a segment.
// Missing files are ignored.
func (s *Store) DeleteSegmentFiles(ctx context.Context, ref Ref) error {
	for _, rel := range []string{ref.RawPath(), ref.IndexPath()} {
		if err := os.Remove(s.abs(rel)); err != nil && !os.IsNotExist(err) {
			return engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to delete "+rel, err)
		}
	}
	// Drop the partition directory once empty; fails harmlessly otherwise
	os.Remove(s.abs(ref.dir()))
	return nil
}

// DeleteTableFiles removes every file of a table.
func (s *Store) DeleteTableFiles(ctx context.Context, tableID int64) error {
	dir := s.abs(path.Join("tables", strconv.FormatInt(tableID, 10)))
	if err := os.RemoveAll(dir); err != nil {
		return engerrors.NewStorageError(engerrors.CodeIOFailed, "segment: failed to delete table files", err)
	}
	return nil
}

// Archive copies a segment's raw file and artifact to the archive tier
// under the same relative paths, then checks that every archived copy has
// the local size. On failure, objects uploaded by this call are removed.
// Returns false when no archive is configured.
func (s *Store) Archive(ctx context.Context, ref Ref) (bool, error) {
	if s.archive == nil {
		return false, nil
	}

	var uploaded []string
	for _, rel := range []string{ref.RawPath(), ref.IndexPath()} {
		fi, err := os.Stat(s.abs(rel))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, s.abortArchive(ctx, uploaded, engerrors.NewStorageError(engerrors.CodeIOFailed,
				"segment: failed to stat "+rel, err))
		}
		if _, err := s.archive.Put(ctx, s.abs(rel), rel); err != nil {
			return false, s.abortArchive(ctx, uploaded, engerrors.NewStorageError(engerrors.CodeIOFailed,
				"segment: failed to archive "+rel, err))
		}
		uploaded = append(uploaded, rel)

		info, err := s.archive.Stat(ctx, rel)
		if err != nil {
			return false, s.abortArchive(ctx, uploaded, engerrors.NewStorageError(engerrors.CodeIOFailed,
				"segment: failed to verify archived "+rel, err))
		}
		if info.Size != fi.Size() {
			return false, s.abortArchive(ctx, uploaded, engerrors.NewStorageError(engerrors.CodeCorrupted,
				fmt.Sprintf("segment: archived %s has %d bytes, want %d", rel, info.Size, fi.Size()), nil))
		}
	}
	return true, nil
}

// abortArchive removes partially archived objects and returns cause joined
// with any cleanup errors.
func (s *Store) abortArchive(ctx context.Context, uploaded []string, cause error) error {
	errs := []error{cause}
	for _, rel := range uploaded {
		if err := s.archive.Delete(context.WithoutCancel(ctx), rel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiskUsage returns the bytes a table occupies on local disk.
func (s *Store) DiskUsage(tableID int64) (int64, error) {
	var total int64
	dir := s.abs(path.Join("tables", strconv.FormatInt(tableID, 10)))
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("segment: failed to walk %s: %w", dir, err)
	}
	return total, nil
}

func vanished(ref Ref, cause error) error {
	return engerrors.NewStorageError(engerrors.CodeSegmentVanished,
		fmt.Sprintf("segment %d files are gone", ref.SegmentID), cause)
}

func writeSynced(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir fsyncs a directory so new entries survive a crash. Best-effort.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
