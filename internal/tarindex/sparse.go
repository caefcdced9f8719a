package tarindex

import (
	"archive/tar"
	"io"

	"github.com/archivefs/archivefs/errs"
)

// SparseFile is a seekable view of a sparse member's logical content
// (data runs plus zero-filled holes), produced by re-parsing the
// member's TAR blocks at read time: the index stores no sparse map,
// only the block range that contains one.
//
// archive/tar decodes the GNU and PAX sparse maps itself and fills
// holes with zeros when reading, but only exposes a forward io.Reader;
// backward seeks restart the parse from the member's header, which is
// cheap because the on-disk block sequence is bounded by
// [offsetHeader, offsetData+size).
type SparseFile struct {
	src         io.ReaderAt
	base, limit int64
	size        int64

	cur       io.Reader
	streamPos int64 // logical bytes already consumed from cur
	pos       int64 // Read/Seek cursor, independent of streamPos
}

// OpenSparse re-parses the sparse member whose TAR blocks span
// [offsetHeader, offsetData+size) of src and returns its logical
// content. size is the member's logical (hole-inclusive) length.
func OpenSparse(src io.ReaderAt, offsetHeader, offsetData, size int64) (*SparseFile, error) {
	const blockSize = 512
	limit := (offsetData + size + blockSize - 1) / blockSize * blockSize
	// Two trailing zero blocks satisfy a reader that insists on seeing
	// an end-of-archive marker after the member.
	limit += 2 * blockSize
	f := &SparseFile{src: src, base: offsetHeader, limit: limit, size: size}
	if err := f.restart(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *SparseFile) restart() error {
	sr := io.NewSectionReader(f.src, f.base, f.limit-f.base)
	tr := tar.NewReader(sr)
	if _, err := tr.Next(); err != nil {
		return &errs.Operational{Op: "tarindex: reparse sparse header", Err: err}
	}
	f.cur = tr
	f.streamPos = 0
	return nil
}

// ReadAt reads logical content at off, restarting the parse when off
// precedes the current position.
func (f *SparseFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.InvalidSeek
	}
	if off >= f.size {
		return 0, io.EOF
	}
	if off < f.streamPos {
		if err := f.restart(); err != nil {
			return 0, err
		}
	}
	if f.streamPos < off {
		if _, err := io.CopyN(io.Discard, f.cur, off-f.streamPos); err != nil {
			return 0, &errs.Operational{Op: "tarindex: sparse skip", Err: err}
		}
		f.streamPos = off
	}
	total := 0
	for total < len(p) {
		n, err := f.cur.Read(p[total:])
		total += n
		f.streamPos += int64(n)
		if err == io.EOF {
			if total == 0 {
				return 0, io.EOF
			}
			break
		}
		if err != nil {
			return total, &errs.Operational{Op: "tarindex: sparse read", Err: err}
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (f *SparseFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *SparseFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.pos + offset
	case io.SeekEnd:
		next = f.size + offset
	default:
		return 0, errs.InvalidSeek
	}
	if next < 0 {
		return 0, errs.InvalidSeek
	}
	f.pos = next
	return next, nil
}

func (f *SparseFile) Size() int64 { return f.size }

func (f *SparseFile) Close() error { return nil }

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
