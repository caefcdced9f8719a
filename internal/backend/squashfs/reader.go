package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// reader reads the on-disk structures of a SquashFS image. Data and
// metadata blocks are assumed uncompressed; compressed-block images
// are out of scope for this backend.
type reader struct {
	r     io.ReaderAt
	super superblock
}

func newReader(r io.ReaderAt) (*reader, error) {
	var sb superblock
	if err := binary.Read(io.NewSectionReader(r, 0, int64(binary.Size(sb))), binary.LittleEndian, &sb); err != nil {
		return nil, xerrors.Errorf("reading superblock: %v", err)
	}
	if got, want := sb.Magic, uint32(magic); got != want {
		return nil, xerrors.Errorf("invalid magic (not a SquashFS image?): got %x, want %x", got, want)
	}
	return &reader{r: r, super: sb}, nil
}

func (r *reader) inode(i Inode) (blockoffset int64, offset int64) {
	return int64(i >> 16), int64(i & 0xFFFF)
}

type blockReader struct {
	r   io.Reader
	buf *bytes.Buffer
}

func (br *blockReader) Read(p []byte) (n int, err error) {
	n, err = br.buf.Read(p)
	if err == io.EOF {
		br.buf.Reset()
		var l uint16
		if err := binary.Read(br.r, binary.LittleEndian, &l); err != nil {
			return 0, err
		}
		l &= 0x7FFF
		if _, err := io.CopyN(br.buf, br.r, int64(l)); err != nil {
			return 0, err
		}
		n, err = br.buf.Read(p)
	}
	return n, err
}

func (r *reader) blockReader(blockoffset, offset int64) (io.Reader, error) {
	br := &blockReader{
		r:   io.NewSectionReader(r.r, blockoffset, 1<<40),
		buf: bytes.NewBuffer(make([]byte, 0, metadataBlockSize)),
	}
	if _, err := io.CopyN(io.Discard, br, offset); err != nil {
		return nil, err
	}
	return br, nil
}

func (r *reader) readInode(i Inode) (interface{}, error) {
	blockoffset, offset := r.inode(i)
	br, err := r.blockReader(r.super.InodeTableStart+blockoffset, offset)
	if err != nil {
		return nil, err
	}

	// The inode type must be peeked before we know which struct to
	// decode into, so it is read once into a tee buffer and replayed.
	var inodeType uint16
	typeBuf := bytes.NewBuffer(make([]byte, 0, binary.Size(inodeType)))
	if err := binary.Read(io.TeeReader(br, typeBuf), binary.LittleEndian, &inodeType); err != nil {
		return nil, err
	}
	br = io.MultiReader(typeBuf, br)

	switch inodeType {
	case dirType:
		var di dirInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &di); err != nil {
			return nil, err
		}
		return di, nil

	case fileType:
		var ri regInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &ri); err != nil {
			return nil, err
		}
		return ri, nil

	case symlinkType:
		var si symlinkInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &si); err != nil {
			return nil, err
		}
		return si, nil

	case ldirType:
		var di ldirInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &di); err != nil {
			return nil, err
		}
		return di, nil

	case lregType:
		var li lregInodeHeader
		if err := binary.Read(br, binary.LittleEndian, &li); err != nil {
			return nil, err
		}
		return li, nil
	}
	return nil, xerrors.Errorf("unsupported inode type %d (block/char devices, fifos and sockets are not indexed)", inodeType)
}

func (r *reader) rootInode() Inode { return r.super.RootInode }

func (r *reader) stat(name string, i Inode) (*fileInfo, error) {
	inode, err := r.readInode(i)
	if err != nil {
		return nil, err
	}
	switch x := inode.(type) {
	case dirInodeHeader:
		return &fileInfo{
			name: name, size: int64(x.FileSize),
			mode: os.ModeDir | os.FileMode(x.Mode&0o777), modTime: time.Unix(int64(x.Mtime), 0),
			uid: uint32(x.Uid), gid: uint32(x.Gid), inode: i,
		}, nil

	case ldirInodeHeader:
		return &fileInfo{
			name: name, size: int64(x.FileSize),
			mode: os.ModeDir | os.FileMode(x.Mode&0o777), modTime: time.Unix(int64(x.Mtime), 0),
			uid: uint32(x.Uid), gid: uint32(x.Gid), inode: i,
		}, nil

	case regInodeHeader:
		mode := os.FileMode(x.Mode & 0o777)
		if x.Mode&unix.S_ISUID != 0 {
			mode |= os.ModeSetuid
		}
		return &fileInfo{
			name: name, size: int64(x.FileSize), mode: mode, modTime: time.Unix(int64(x.Mtime), 0),
			uid: uint32(x.Uid), gid: uint32(x.Gid), inode: i,
		}, nil

	case lregInodeHeader:
		mode := os.FileMode(x.Mode & 0o777)
		if x.Mode&unix.S_ISUID != 0 {
			mode |= os.ModeSetuid
		}
		return &fileInfo{
			name: name, size: int64(x.FileSize), mode: mode, modTime: time.Unix(int64(x.Mtime), 0),
			uid: uint32(x.Uid), gid: uint32(x.Gid), xattr: x.Xattr, hasXattr: true, inode: i,
		}, nil

	case symlinkInodeHeader:
		return &fileInfo{
			name: name, size: int64(x.SymlinkSize),
			mode: os.ModeSymlink | os.FileMode(x.Mode&0o777), modTime: time.Unix(int64(x.Mtime), 0),
			uid: uint32(x.Uid), gid: uint32(x.Gid), inode: i,
		}, nil
	}
	return nil, xerrors.Errorf("unknown inode type %T", inode)
}

func (r *reader) readLink(i Inode) (string, error) {
	blockoffset, offset := r.inode(i)
	br, err := r.blockReader(r.super.InodeTableStart+blockoffset, offset)
	if err != nil {
		return "", err
	}
	var inodeType uint16
	typeBuf := bytes.NewBuffer(make([]byte, 0, binary.Size(inodeType)))
	if err := binary.Read(io.TeeReader(br, typeBuf), binary.LittleEndian, &inodeType); err != nil {
		return "", err
	}
	br = io.MultiReader(typeBuf, br)
	if inodeType != symlinkType {
		return "", xerrors.Errorf("invalid inode type: got %d instead of symlink", inodeType)
	}
	var si symlinkInodeHeader
	if err := binary.Read(br, binary.LittleEndian, &si); err != nil {
		return "", err
	}
	buf := make([]byte, si.SymlinkSize)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *reader) fileReader(i Inode) (*io.SectionReader, error) {
	ri, err := r.readInode(i)
	if err != nil {
		return nil, err
	}
	switch x := ri.(type) {
	case regInodeHeader:
		off := int64(x.StartBlock) + int64(x.Offset)
		return io.NewSectionReader(r.r, off, int64(x.FileSize)), nil
	case lregInodeHeader:
		off := int64(x.StartBlock) + int64(x.Offset)
		return io.NewSectionReader(r.r, off, int64(x.FileSize)), nil
	default:
		return nil, xerrors.Errorf("inode is not a regular file")
	}
}

// notFoundError stays unexported; callers test for it via the backend's
// Lookup ok=false result rather than by type.
type notFoundError struct{ path string }

func (e *notFoundError) Error() string { return fmt.Sprintf("%q not found", e.path) }

func (r *reader) lookupComponent(parent Inode, component string) (Inode, error) {
	entries, err := r.readdir(parent, false)
	if err != nil {
		return 0, err
	}
	for _, fi := range entries {
		if fi.name == component {
			return fi.inode, nil
		}
	}
	return 0, &notFoundError{path: component}
}

func (r *reader) lookupPath(path string) (Inode, error) {
	inode := r.rootInode()
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return inode, nil
	}
	for idx, part := range parts {
		var err error
		inode, err = r.lookupComponent(inode, part)
		if err != nil {
			if _, ok := err.(*notFoundError); ok {
				return 0, &notFoundError{path: path}
			}
			return 0, err
		}
		fi, err := r.stat("", inode)
		if err != nil {
			return 0, xerrors.Errorf("stat(%d): %v", inode, err)
		}
		if fi.mode&os.ModeSymlink != 0 {
			target, err := r.readLink(inode)
			if err != nil {
				return 0, err
			}
			if !strings.HasPrefix(target, "/") {
				target = filepath.Join(append(append([]string{}, parts[:idx]...), target)...)
			}
			target = filepath.Clean("/" + target)
			return r.lookupPath(target)
		}
	}
	return inode, nil
}

func (r *reader) readdirStat(dirInode Inode) ([]*fileInfo, error) {
	return r.readdir(dirInode, true)
}

func (r *reader) readdir(dirInode Inode, stat bool) ([]*fileInfo, error) {
	i, err := r.readInode(dirInode)
	if err != nil {
		return nil, err
	}
	var startBlock, fileSize, offset int64
	switch x := i.(type) {
	case dirInodeHeader:
		startBlock, fileSize, offset = int64(x.StartBlock), int64(x.FileSize), int64(x.Offset)
	case ldirInodeHeader:
		startBlock, fileSize, offset = int64(x.StartBlock), int64(x.FileSize), int64(x.Offset)
	default:
		return nil, xerrors.Errorf("unknown directory inode type %T", i)
	}

	br, err := r.blockReader(r.super.DirectoryTableStart+startBlock, offset)
	if err != nil {
		return nil, err
	}

	// See https://elixir.bootlin.com/linux/v4.18.9/source/fs/squashfs/dir.c#L63
	limit := fileSize - int64(len(".")) - int64(len(".."))
	br = io.LimitReader(br, limit)

	var out []*fileInfo
	for {
		var dh dirHeader
		if err := binary.Read(br, binary.LittleEndian, &dh); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		dh.Count++ // SquashFS stores count-1

		for n := 0; n < int(dh.Count); n++ {
			var de dirEntry
			if err := binary.Read(br, binary.LittleEndian, &de); err != nil {
				return nil, err
			}
			de.Size++ // SquashFS stores size-1
			name := make([]byte, de.Size)
			if _, err := io.ReadFull(br, name); err != nil {
				return nil, err
			}

			childInode := Inode(int64(dh.StartBlock)<<16 | int64(de.Offset))
			if stat {
				fi, err := r.stat(string(name), childInode)
				if err != nil {
					return nil, err
				}
				out = append(out, fi)
			} else {
				out = append(out, &fileInfo{name: string(name), inode: childInode})
			}
		}
	}
}

// fileInfo is the minimal stat result this package produces; it is
// converted to mountsource.FileInfo by squashfs.go.
type fileInfo struct {
	name     string
	size     int64
	mode     os.FileMode
	modTime  time.Time
	uid, gid uint32
	xattr    uint32
	hasXattr bool
	inode    Inode
}

func (r *reader) readXattrs(i Inode) ([]Xattr, error) {
	inode, err := r.readInode(i)
	if err != nil {
		return nil, err
	}
	var xid uint32
	switch x := inode.(type) {
	case regInodeHeader, dirInodeHeader, symlinkInodeHeader:
		return nil, nil
	case lregInodeHeader:
		if x.Xattr == invalidXattr {
			return nil, nil
		}
		xid = x.Xattr
	case ldirInodeHeader:
		if x.Xattr == invalidXattr {
			return nil, nil
		}
		xid = x.Xattr
	default:
		return nil, xerrors.Errorf("unknown inode type %T", inode)
	}

	const idEntriesPerBlock = 512 // 8192 / sizeof(xattrId)
	block := xid / idEntriesPerBlock
	offset := (xid % idEntriesPerBlock) * 16

	hdrLen := int64(16 + (block+1)*4)
	br := io.Reader(io.NewSectionReader(r.r, r.super.XattrIdTableStart, hdrLen))
	var tableHeader xattrTableHeader
	if err := binary.Read(br, binary.LittleEndian, &tableHeader); err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, br, int64(block*4)); err != nil {
		return nil, err
	}
	var blockOffset uint32
	if err := binary.Read(br, binary.LittleEndian, &blockOffset); err != nil {
		return nil, err
	}

	br, err = r.blockReader(int64(blockOffset), int64(offset))
	if err != nil {
		return nil, err
	}
	var id xattrId
	if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
		return nil, err
	}

	var xattrs []Xattr
	for n := 0; n < int(id.Count); n++ {
		blockoffset, off := r.inode(Inode(id.Xattr))
		entryReader, err := r.blockReader(int64(tableHeader.XattrTableStart)+blockoffset, off)
		if err != nil {
			return nil, err
		}
		var typ, nameSize uint16
		if err := binary.Read(entryReader, binary.LittleEndian, &typ); err != nil {
			return nil, err
		}
		if err := binary.Read(entryReader, binary.LittleEndian, &nameSize); err != nil {
			return nil, err
		}
		name := make([]byte, nameSize)
		if _, err := io.ReadFull(entryReader, name); err != nil {
			return nil, err
		}
		var valSize uint32
		if err := binary.Read(entryReader, binary.LittleEndian, &valSize); err != nil {
			return nil, err
		}
		val := make([]byte, valSize)
		if _, err := io.ReadFull(entryReader, val); err != nil {
			return nil, err
		}
		xattrs = append(xattrs, Xattr{
			Type:     typ,
			FullName: xattrPrefix[int(typ)] + string(name),
			Value:    val,
		})
	}
	return xattrs, nil
}
