// Package mountsource defines the generic, read-only filesystem
// interface every archive backend implements and every compositor
// (union, auto-mount, FUSE front-end) consumes.
package mountsource

import (
	"io"
	"time"
)

// FileInfo is the backend-agnostic stat record returned by Lookup and
// List: enough to answer getattr/readdir without round-tripping back
// into the index for common fields.
type FileInfo struct {
	Path           string
	Name           string
	Size           int64
	Mtime          time.Time
	Mode           uint32
	Linkname       string
	UID, GID       uint32
	IsGenerated    bool
	RecursionDepth int

	// UserData is an opaque token the backend attaches to this
	// FileInfo and expects back, unmodified, on Open/Read/Versions/
	// ListXattr/GetXattr calls for the same file. Compositors that
	// stack sources (union, subvolumes) push their own token onto
	// this slice rather than replacing it, so a lower layer can still
	// recover the token it issued.
	UserData []any
}

// OpenFile is a seekable read handle returned by Open.
type OpenFile interface {
	io.ReaderAt
	io.Reader
	io.Seeker
	io.Closer
}

// Read is the default positional-read path shared by all backends:
// open the file, read size bytes at offset, close. Backends with a
// cheaper pread (an already-open stencil) can be used directly instead;
// compositors that only have a MountSource go through this.
func Read(src MountSource, info FileInfo, size int, offset int64) ([]byte, error) {
	f, err := src.Open(info)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// StatFS mirrors the subset of statvfs(2) fields a read-only archive
// view can answer meaningfully.
type StatFS struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint32
}

// MountSource is implemented by every backend (tar, squashfs, asar,
// cpio) and by every compositor layered on top of them.
type MountSource interface {
	// Lookup resolves path's version v (0 = newest) to a FileInfo, or
	// reports ok=false if no such path/version exists.
	Lookup(path string, v int) (FileInfo, bool, error)

	// List returns the immediate children of the directory at path, in
	// the backend's natural order (insertion order for TAR).
	List(path string) ([]FileInfo, error)

	// ListMode reports the type bits of a file without a full Lookup,
	// used by readdir implementations that only need d_type.
	ListMode(info FileInfo) uint32

	// Open returns a seekable handle on info's content. Directories and
	// symlinks return an error; callers should check Mode first.
	Open(info FileInfo) (OpenFile, error)

	// Versions reports how many versions of path exist.
	Versions(path string) (int, error)

	// IsImmutable reports whether the source's contents stay fixed
	// after it was opened; every backend in this module reports true.
	IsImmutable() bool

	// ListXattr and GetXattr expose extended attributes recorded for
	// info, when the backend's format carries any (TAR pax records).
	ListXattr(info FileInfo) ([]string, error)
	GetXattr(info FileInfo, key string) ([]byte, bool, error)

	// StatFS answers a statvfs(2)-shaped query about the whole source.
	StatFS() (StatFS, error)

	// GetMountSource returns the MountSource backing path, and the
	// path as that backing source sees it. For a plain backend this is
	// always (source, path); compositors (union, auto-mount) resolve
	// through their own layers first.
	GetMountSource(path string) (MountSource, string, error)

	// Close releases resources (the index connection, open archive
	// file descriptors) held by this source.
	Close() error
}
