// Package squashfs implements mountsource.MountSource over a read-only
// SquashFS image: superblock, inode headers, directory table and the
// uncompressed data path. There is no write path; archives are never
// modified.
package squashfs


// Inode packs a block offset (relative to the inode table start) and
// an in-block offset, the same way SquashFS references inodes.
type Inode int64

const (
	invalidFragment = 0xFFFFFFFF
	invalidXattr    = 0xFFFFFFFF
)

const (
	magic             = 0x73717368
	metadataBlockSize = 8192
)

// superblock mirrors the 96-byte SquashFS superblock.
// https://dr-emann.github.io/squashfs/squashfs.html#_the_superblock
type superblock struct {
	Magic               uint32
	Inodes              uint32
	MkfsTime            int32
	BlockSize           uint32
	Fragments           uint32
	Compression         uint16
	BlockLog            uint16
	Flags               uint16
	NoIds               uint16
	Major               uint16
	Minor               uint16
	RootInode           Inode
	BytesUsed           int64
	IdTableStart        int64
	XattrIdTableStart   int64
	InodeTableStart     int64
	DirectoryTableStart int64
	FragmentTableStart  int64
	LookupTableStart    int64
}

const (
	dirType = 1 + iota
	fileType
	symlinkType
	blkdevType
	chrdevType
	fifoType
	socketType
	ldirType
	lregType
	lsymlinkType
	lblkdevType
	lchrdevType
	lfifoType
	lsocketType
)

// inodeHeader is the common prefix of every inode type.
// https://dr-emann.github.io/squashfs/squashfs.html#_inode_table
type inodeHeader struct {
	InodeType   uint16
	Mode        uint16
	Uid         uint16
	Gid         uint16
	Mtime       int32
	InodeNumber uint32
}

type regInodeHeader struct {
	inodeHeader
	StartBlock uint32
	Fragment   uint32
	Offset     uint32
	FileSize   uint32
}

type lregInodeHeader struct {
	inodeHeader
	StartBlock uint64
	FileSize   uint64
	Sparse     uint64
	Nlink      uint32
	Fragment   uint32
	Offset     uint32
	Xattr      uint32
}

type symlinkInodeHeader struct {
	inodeHeader
	Nlink       uint32
	SymlinkSize uint32
}

type dirInodeHeader struct {
	inodeHeader
	StartBlock  uint32
	Nlink       uint32
	FileSize    uint16
	Offset      uint16
	ParentInode uint32
}

type ldirInodeHeader struct {
	inodeHeader
	Nlink       uint32
	FileSize    uint32
	StartBlock  uint32
	ParentInode uint32
	Icount      uint16
	Offset      uint16
	Xattr       uint32
}

// https://dr-emann.github.io/squashfs/squashfs.html#_directory_table
type dirHeader struct {
	Count       uint32
	StartBlock  uint32
	InodeOffset uint32
}

type dirEntry struct {
	Offset      uint16
	InodeNumber int16
	EntryType   uint16
	Size        uint16
}

const (
	xattrTypeUser = iota
	xattrTypeTrusted
	xattrTypeSecurity
)

var xattrPrefix = map[int]string{
	xattrTypeUser:     "user.",
	xattrTypeTrusted:  "trusted.",
	xattrTypeSecurity: "security.",
}

type xattrId struct {
	Xattr uint64
	Count uint32
	Size  uint32
}

type xattrTableHeader struct {
	XattrTableStart uint64
	XattrIds        uint32
}

// Xattr is one extended attribute read off a lreg/ldir inode.
type Xattr struct {
	Type     uint16
	FullName string
	Value    []byte
}
