// Package cpio implements mountsource.MountSource over a cpio archive
// (the "newc"/"odc" newline-ASCII formats produced by initramfs
// tooling), reusing internal/index's schema exactly the way the TAR
// indexer does. cpio carries no sparse files, no GNU-incremental
// quirks and no recursive-archive convention, so indexing it is a
// single linear pass with no recursion list and no append detection.
package cpio

import (
	"io"
	"os"
	"time"

	"github.com/cavaliercoder/go-cpio"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/index"
	"github.com/archivefs/archivefs/internal/mountsource"
	"github.com/archivefs/archivefs/internal/pathnorm"
	"github.com/archivefs/archivefs/internal/stencil"
)

// BackendName is stored in metadata.backendName and checked on reopen.
const BackendName = "cpio"

const (
	modeFmtMask = 0o170000
	modeSymlink = 0o120000
)

const batchSize = 1000

// Options configures how a cpio archive is opened/indexed.
type Options struct {
	// IndexPath, if non-empty, names the sqlite file to load/create;
	// otherwise an in-memory index is used.
	IndexPath string
}

// Source is a cpio-backed mountsource.MountSource.
type Source struct {
	idx *index.Index
	f   *os.File
}

// Open opens the cpio archive at path, reusing a valid index at
// opts.IndexPath if one validates, otherwise indexing the archive in
// one linear pass.
func Open(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.Operational{Op: "cpio: open archive", Err: err}
	}

	var idx *index.Index
	if opts.IndexPath != "" {
		if existing, err := index.Open(opts.IndexPath, BackendName); err == nil {
			idx = existing
		}
	}
	if idx == nil {
		idx, err = index.Create(opts.IndexPath, BackendName)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := build(f, idx); err != nil {
			idx.Close()
			f.Close()
			return nil, err
		}
		if err := idx.Finalize(); err != nil {
			idx.Close()
			f.Close()
			return nil, err
		}
	}

	return &Source{idx: idx, f: f}, nil
}

// countingReader tracks bytes consumed so header/data byte offsets can
// be recorded, mirroring internal/tarindex's same trick for
// archive/tar.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func build(f *os.File, idx *index.Index) error {
	cr := &countingReader{r: f}
	rd := cpio.NewReader(cr)
	var batch []index.Entry

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := idx.InsertBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		headerStart := cr.n
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &errs.Operational{Op: "cpio: read header", Err: err}
		}
		dataStart := cr.n

		mode := uint32(hdr.Mode)
		linkname := ""
		if mode&modeFmtMask == modeSymlink && hdr.Size > 0 {
			target := make([]byte, hdr.Size)
			if _, err := io.ReadFull(rd, target); err != nil {
				return &errs.Operational{Op: "cpio: read symlink target", Err: err}
			}
			linkname = string(target)
		}

		path, name := pathnorm.Split(hdr.Name)
		if name == "" {
			// TRAILER!!! or an explicit root entry: nothing to index.
			continue
		}
		entry := index.Entry{
			Path:       path,
			Name:       name,
			OffsetData: dataStart,
			Size:       hdr.Size,
			Mtime:      float64(hdr.ModTime.Unix()),
			Mode:       mode,
			Linkname:   linkname,
			UID:        hdr.UID,
			GID:        hdr.GID,
		}
		entry.OffsetHeader.Valid = true
		entry.OffsetHeader.Int64 = headerStart

		batch = append(batch, entry)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func toInfo(e index.Entry) mountsource.FileInfo {
	return mountsource.FileInfo{
		Path:     e.Path,
		Name:     e.Name,
		Size:     e.Size,
		Mtime:    time.Unix(int64(e.Mtime), 0),
		Mode:     e.Mode,
		Linkname: e.Linkname,
		UID:      uint32(e.UID),
		GID:      uint32(e.GID),
		UserData: []any{e.OffsetData},
	}
}

func (s *Source) Lookup(path string, v int) (mountsource.FileInfo, bool, error) {
	parent, name := pathnorm.Split(path)
	e, ok, err := s.idx.Lookup(parent, name, v)
	if err != nil || !ok {
		return mountsource.FileInfo{}, ok, err
	}
	return toInfo(e), true, nil
}

func (s *Source) List(path string) ([]mountsource.FileInfo, error) {
	entries, err := s.idx.List(pathnorm.Normalize(path))
	if err != nil {
		return nil, err
	}
	out := make([]mountsource.FileInfo, len(entries))
	for i, e := range entries {
		out[i] = toInfo(e)
	}
	return out, nil
}

func (s *Source) ListMode(info mountsource.FileInfo) uint32 { return info.Mode }

func (s *Source) Open(info mountsource.FileInfo) (mountsource.OpenFile, error) {
	if len(info.UserData) < 1 {
		return nil, &errs.Operational{Op: "cpio: open", Err: errs.IndexNotOpen}
	}
	offset, _ := info.UserData[0].(int64)
	f := stencil.New([]stencil.Cutout{{Source: s.f, Offset: offset, Size: info.Size}}, nil)
	return f, nil
}

func (s *Source) Versions(path string) (int, error) {
	parent, name := pathnorm.Split(path)
	return s.idx.Versions(parent, name)
}

func (s *Source) IsImmutable() bool { return true }

func (s *Source) ListXattr(info mountsource.FileInfo) ([]string, error) { return nil, nil }

func (s *Source) GetXattr(info mountsource.FileInfo, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *Source) StatFS() (mountsource.StatFS, error) {
	rows, err := s.idx.RowCount()
	if err != nil {
		return mountsource.StatFS{}, err
	}
	return mountsource.StatFS{BlockSize: 512, Files: uint64(rows), NameMax: 255}, nil
}

func (s *Source) GetMountSource(path string) (mountsource.MountSource, string, error) {
	return s, path, nil
}

func (s *Source) Close() error {
	var firstErr error
	if err := s.idx.Close(); err != nil {
		firstErr = err
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
