// Package squashfs adapts a read-only SquashFS image to
// mountsource.MountSource. SquashFS images are immutable single
// snapshots: there is no append/version history, so Versions always
// reports at most 1 and ListXattr/GetXattr go straight to the image's
// own xattr table rather than through internal/index.
package squashfs

import (
	"os"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/mountsource"
	"github.com/archivefs/archivefs/internal/pathnorm"
	"github.com/archivefs/archivefs/internal/stencil"
)

// BackendName identifies this backend in diagnostics; SquashFS images
// carry their own structural format version and need no companion
// archivefs index, so this is never persisted anywhere.
const BackendName = "squashfs"

// Source is a SquashFS-backed mountsource.MountSource.
type Source struct {
	f *os.File
	r *reader
}

// Open opens the SquashFS image at path.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.Operational{Op: "squashfs: open", Err: err}
	}
	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, &errs.Operational{Op: "squashfs: read superblock", Err: err}
	}
	return &Source{f: f, r: r}, nil
}

func (s *Source) toInfo(path string, fi *fileInfo) mountsource.FileInfo {
	linkname := ""
	if fi.mode&os.ModeSymlink != 0 {
		if target, err := s.r.readLink(fi.inode); err == nil {
			linkname = target
		}
	}
	return mountsource.FileInfo{
		Path:     path,
		Name:     fi.name,
		Size:     fi.size,
		Mtime:    fi.modTime,
		Mode:     modeToUnix(fi.mode),
		Linkname: linkname,
		UID:      fi.uid,
		GID:      fi.gid,
		UserData: []any{fi.inode},
	}
}

// modeToUnix converts the os.FileMode bits stat produces back into the
// raw unix mode word expected by mountsource consumers (S_IFDIR etc.),
// mirroring the bit layout internal/index uses for TAR-backed sources.
func modeToUnix(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	switch {
	case m&os.ModeDir != 0:
		return perm | 0o40000
	case m&os.ModeSymlink != 0:
		return perm | 0o120000
	default:
		return perm | 0o100000
	}
}

func (s *Source) Lookup(path string, v int) (mountsource.FileInfo, bool, error) {
	if v > 0 {
		return mountsource.FileInfo{}, false, nil
	}
	parent, name := pathnorm.Split(path)
	full := pathnorm.Join(parent, name)
	inode, err := s.r.lookupPath(full)
	if err != nil {
		if _, ok := err.(*notFoundError); ok {
			return mountsource.FileInfo{}, false, nil
		}
		return mountsource.FileInfo{}, false, err
	}
	fi, err := s.r.stat(name, inode)
	if err != nil {
		return mountsource.FileInfo{}, false, err
	}
	return s.toInfo(parent, fi), true, nil
}

func (s *Source) List(path string) ([]mountsource.FileInfo, error) {
	norm := pathnorm.Normalize(path)
	inode, err := s.r.lookupPath(norm)
	if err != nil {
		if _, ok := err.(*notFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	entries, err := s.r.readdirStat(inode)
	if err != nil {
		return nil, err
	}
	out := make([]mountsource.FileInfo, len(entries))
	for i, fi := range entries {
		out[i] = s.toInfo(norm, fi)
	}
	return out, nil
}

func (s *Source) ListMode(info mountsource.FileInfo) uint32 { return info.Mode }

func (s *Source) Open(info mountsource.FileInfo) (mountsource.OpenFile, error) {
	inode, ok := info.UserData[0].(Inode)
	if !ok {
		return nil, &errs.Operational{Op: "squashfs: open", Err: errs.IndexNotOpen}
	}
	sr, err := s.r.fileReader(inode)
	if err != nil {
		return nil, err
	}
	return stencil.New([]stencil.Cutout{{Source: sr, Offset: 0, Size: info.Size}}, nil), nil
}

// Versions always reports 1 (0) or 0 (not found): SquashFS images carry
// no append/version history.
func (s *Source) Versions(path string) (int, error) {
	parent, name := pathnorm.Split(path)
	full := pathnorm.Join(parent, name)
	if _, err := s.r.lookupPath(full); err != nil {
		if _, ok := err.(*notFoundError); ok {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

func (s *Source) IsImmutable() bool { return true }

func (s *Source) inodeOf(info mountsource.FileInfo) (Inode, error) {
	inode, ok := info.UserData[0].(Inode)
	if !ok {
		return 0, &errs.Operational{Op: "squashfs: xattr", Err: errs.IndexNotOpen}
	}
	return inode, nil
}

func (s *Source) ListXattr(info mountsource.FileInfo) ([]string, error) {
	inode, err := s.inodeOf(info)
	if err != nil {
		return nil, err
	}
	xattrs, err := s.r.readXattrs(inode)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(xattrs))
	for i, x := range xattrs {
		keys[i] = x.FullName
	}
	return keys, nil
}

func (s *Source) GetXattr(info mountsource.FileInfo, key string) ([]byte, bool, error) {
	inode, err := s.inodeOf(info)
	if err != nil {
		return nil, false, err
	}
	xattrs, err := s.r.readXattrs(inode)
	if err != nil {
		return nil, false, err
	}
	for _, x := range xattrs {
		if x.FullName == key {
			return x.Value, true, nil
		}
	}
	return nil, false, nil
}

func (s *Source) StatFS() (mountsource.StatFS, error) {
	return mountsource.StatFS{BlockSize: 512, Files: uint64(s.r.super.Inodes), NameMax: 255}, nil
}

func (s *Source) GetMountSource(path string) (mountsource.MountSource, string, error) {
	return s, path, nil
}

func (s *Source) Close() error {
	return s.f.Close()
}
