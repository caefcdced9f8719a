// Package fusefs adapts a mountsource.MountSource to jacobsa/fuse, in
// the structural idiom of internal/fuse/fuse.go's fuseFS: an inode
// table built lazily from LookUpInode calls, directory listings
// recomputed from the backing source rather than cached across
// mutations (the sources we mount are all immutable once opened), and
// OpenDir/OpenFile both declining in favor of the kernel's no-open
// optimization. Unlike fuseFS, inodes here are keyed by normalized
// path rather than by a packed (image, squashfs-inode) pair, because a
// single mountsource.MountSource has no notion of multiple stacked
// images.
package fusefs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/archivefs/archivefs/internal/mountsource"
	"github.com/archivefs/archivefs/internal/pathnorm"
)

// never is used for FUSE expiration timestamps. The archives we mount
// are opened once and never change underneath us, so the kernel can
// cache attributes and dirents indefinitely.
var never = time.Now().Add(365 * 24 * time.Hour)

const (
	modeFmtMask = 0o170000
	modeDir     = 0o40000
	modeSymlink = 0o120000
)

// FS implements fuseutil.FileSystem over a single mountsource.MountSource.
type FS struct {
	fuseutil.NotImplementedFileSystem

	src mountsource.MountSource

	mu       sync.Mutex
	paths    map[fuseops.InodeID]string
	inodes   map[string]fuseops.InodeID
	infos    map[fuseops.InodeID]mountsource.FileInfo
	inodeCnt fuseops.InodeID

	readersMu sync.Mutex
	readers   map[fuseops.InodeID]mountsource.OpenFile
}

// New returns a FUSE file system rooted at src's "/".
func New(src mountsource.MountSource) *FS {
	return &FS{
		src:      src,
		paths:    map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		inodes:   map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		infos:    make(map[fuseops.InodeID]mountsource.FileInfo),
		inodeCnt: fuseops.RootInodeID,
		readers:  make(map[fuseops.InodeID]mountsource.OpenFile),
	}
}

// inodeFor returns the stable inode for path, allocating one if this
// is the first time path has been looked up.
func (fs *FS) inodeFor(path string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.inodes[path]; ok {
		return id
	}
	fs.inodeCnt++
	id := fs.inodeCnt
	fs.inodes[path] = id
	fs.paths[id] = path
	return id
}

func (fs *FS) pathFor(inode fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	path, ok := fs.paths[inode]
	return path, ok
}

func (fs *FS) cacheInfo(inode fuseops.InodeID, info mountsource.FileInfo) {
	fs.mu.Lock()
	fs.infos[inode] = info
	fs.mu.Unlock()
}

func (fs *FS) infoFor(inode fuseops.InodeID) (mountsource.FileInfo, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	info, ok := fs.infos[inode]
	return info, ok
}

// rootAttributes describes the synthetic root directory, which (unlike
// the generated parent directories that Finalize inserts) never has
// its own row in the index.
func rootAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  os.ModeDir | 0o555,
		Atime: never,
		Mtime: never,
		Ctime: never,
	}
}

func attributesOf(info mountsource.FileInfo) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(info.Size),
		Nlink: 1,
		Mode:  modeToGo(info.Mode),
		Atime: info.Mtime,
		Mtime: info.Mtime,
		Ctime: info.Mtime,
	}
}

// modeToGo converts a raw st_mode value (as recorded by the index) to
// the os.FileMode encoding fuseops.InodeAttributes expects, mirroring
// internal/tarindex.typeModeBits in reverse.
func modeToGo(raw uint32) os.FileMode {
	perm := os.FileMode(raw & 0o777)
	switch raw & modeFmtMask {
	case modeDir:
		return os.ModeDir | perm
	case modeSymlink:
		return os.ModeSymlink | perm
	case 0o20000: // S_IFCHR
		return os.ModeDevice | os.ModeCharDevice | perm
	case 0o60000: // S_IFBLK
		return os.ModeDevice | perm
	case 0o10000: // S_IFIFO
		return os.ModeNamedPipe | perm
	case 0o140000: // S_IFSOCK
		return os.ModeSocket | perm
	default:
		return perm
	}
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := fs.src.StatFS()
	if err != nil {
		return fuse.EIO
	}
	op.BlockSize = 4096
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksFree
	op.IoSize = 65536
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	childPath := pathnorm.Join(parentPath, op.Name)
	info, ok, err := fs.src.Lookup(childPath, 0)
	if err != nil {
		return fuse.EIO
	}
	if !ok {
		return fuse.ENOENT
	}
	child := fs.inodeFor(childPath)
	fs.cacheInfo(child, info)
	op.Entry.Child = child
	op.Entry.Attributes = attributesOf(info)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.AttributesExpiration = never
	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if path == "/" {
		op.Attributes = rootAttributes()
		return nil
	}
	info, ok, err := fs.src.Lookup(path, 0)
	if err != nil {
		return fuse.EIO
	}
	if !ok {
		return fuse.ENOENT
	}
	fs.cacheInfo(op.Inode, info)
	op.Attributes = attributesOf(info)
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	// Instruct the kernel not to send further OpenDir requests; see
	// EnableNoOpendirSupport in cmd/archivefs-mount.
	return fuse.ENOSYS
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.EIO
	}
	children, err := fs.src.List(path)
	if err != nil {
		return fuse.EIO
	}

	var entries []fuseutil.Dirent
	for _, info := range children {
		childPath := pathnorm.Join(path, info.Name)
		child := fs.inodeFor(childPath)
		fs.cacheInfo(child, info)
		typ := fuseutil.DT_File
		switch info.Mode & modeFmtMask {
		case modeDir:
			typ = fuseutil.DT_Directory
		case modeSymlink:
			typ = fuseutil.DT_Link
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  child,
			Name:   info.Name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// Instruct the kernel not to send further OpenFile requests; see
	// EnableNoOpenSupport in cmd/archivefs-mount.
	return fuse.ENOSYS
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.readersMu.Lock()
	r, ok := fs.readers[op.Inode]
	fs.readersMu.Unlock()
	if !ok {
		info, ok := fs.infoFor(op.Inode)
		if !ok {
			return fuse.EIO
		}
		var err error
		r, err = fs.src.Open(info)
		if err != nil {
			return fuse.EIO
		}
		fs.readersMu.Lock()
		fs.readers[op.Inode] = r
		fs.readersMu.Unlock()
	}
	n, err := r.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err == io.EOF {
		err = nil // FUSE does not want io.EOF
	}
	return err
}

func (fs *FS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	info, ok := fs.infoFor(op.Inode)
	if !ok {
		path, pok := fs.pathFor(op.Inode)
		if !pok {
			return fuse.EIO
		}
		var err error
		info, ok, err = fs.src.Lookup(path, 0)
		if err != nil {
			return fuse.EIO
		}
		if !ok {
			return fuse.ENOENT
		}
	}
	op.Target = info.Linkname
	return nil
}

func (fs *FS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	info, ok := fs.infoFor(op.Inode)
	if !ok {
		return nil
	}
	keys, err := fs.src.ListXattr(info)
	if err != nil {
		return fuse.EIO
	}
	for _, k := range keys {
		op.BytesRead += len(k) + 1
	}
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copied := 0
	for _, k := range keys {
		copy(op.Dst[copied:], []byte(k))
		copied += len(k) + 1
		op.Dst[copied-1] = 0
	}
	return nil
}

func (fs *FS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	info, ok := fs.infoFor(op.Inode)
	if !ok {
		return syscall.ENODATA
	}
	val, ok, err := fs.src.GetXattr(info, op.Name)
	if err != nil {
		return fuse.EIO
	}
	if !ok {
		return syscall.ENODATA
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

func (fs *FS) Destroy() {
	fs.src.Close()
}
