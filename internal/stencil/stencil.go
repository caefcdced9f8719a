// Package stencil implements the seekable-byte-stream primitives used
// throughout the index and the backends: StenciledFile concatenates
// named cut-outs of one or more underlying ReaderAt sources into a
// single logical stream.
package stencil

import (
	"io"
	"sort"

	"github.com/archivefs/archivefs/errs"
)

// Source is anything a cut-out can read from.
type Source interface {
	io.ReaderAt
}

// Cutout names a contiguous byte range of a Source.
type Cutout struct {
	Source Source
	Offset int64
	Size   int64
}

// Locker is the shared-lock discipline for a shared underlying source:
// every read of a StenciledFile constructed with a non-nil Locker
// acquires it around the underlying seek+read pair.
type Locker interface {
	Lock()
	Unlock()
}

// noopLocker is used when the caller does not need cross-goroutine
// serialization of a shared underlying source (not thread-safe).
type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// File is a seekable, read-only stream that logically concatenates a
// sequence of Cutouts. It implements io.Reader, io.ReaderAt, io.Seeker
// and io.Closer.
type File struct {
	cutouts  []Cutout
	cumsizes []int64 // cumsizes[i] = sum of sizes of cutouts[:i+1]
	size     int64

	mu  Locker
	pos int64
}

// New builds a File out of the given cut-outs, in order. Cut-outs of
// size 0 are dropped. lock may be nil, in which case
// reads are not safe for concurrent use.
func New(cutouts []Cutout, lock Locker) *File {
	filtered := make([]Cutout, 0, len(cutouts))
	for _, c := range cutouts {
		if c.Size <= 0 {
			continue
		}
		filtered = append(filtered, c)
	}
	cumsizes := make([]int64, len(filtered))
	var total int64
	for i, c := range filtered {
		total += c.Size
		cumsizes[i] = total
	}
	if lock == nil {
		lock = noopLocker{}
	}
	return &File{cutouts: filtered, cumsizes: cumsizes, size: total, mu: lock}
}

// Joined builds a File whose cut-outs are each the entirety of one
// source. sizes must report the
// same length as sources and give each one's full size.
func Joined(sources []Source, sizes []int64, lock Locker) *File {
	cutouts := make([]Cutout, len(sources))
	for i, s := range sources {
		cutouts[i] = Cutout{Source: s, Offset: 0, Size: sizes[i]}
	}
	return New(cutouts, lock)
}

// Size returns the logical length of the stream.
func (f *File) Size() int64 { return f.size }

// locate returns the index of the cut-out containing logical offset
// off, and the offset within that cut-out: the first index i with
// cumsizes[i] > off.
func (f *File) locate(off int64) (idx int, within int64) {
	if len(f.cumsizes) == 0 {
		return 0, off
	}
	i := sort.Search(len(f.cumsizes), func(i int) bool {
		return f.cumsizes[i] > off
	})
	if i >= len(f.cutouts) {
		return len(f.cutouts), 0
	}
	var prevEnd int64
	if i > 0 {
		prevEnd = f.cumsizes[i-1]
	}
	return i, off - prevEnd
}

// ReadAt implements io.ReaderAt without touching f.pos, crossing
// cut-out boundaries transparently.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.InvalidSeek
	}
	if off >= f.size {
		return 0, io.EOF
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	idx, within := f.locate(off)
	for total < len(p) && idx < len(f.cutouts) {
		c := f.cutouts[idx]
		remaining := c.Size - within
		want := p[total:]
		if int64(len(want)) > remaining {
			want = want[:remaining]
		}
		n, err := c.Source.ReadAt(want, c.Offset+within)
		total += n
		if err != nil && err != io.EOF {
			return total, err
		}
		if int64(n) < int64(len(want)) {
			// underlying source came up short of a full cut-out; treat
			// as EOF-within-cutout and stop rather than looping forever.
			return total, io.EOF
		}
		idx++
		within = 0
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Read implements io.Reader, advancing the logical position.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker. SeekStart with a negative resulting
// offset fails with errs.InvalidSeek rather than clamping to 0.
// Seeking past the end is permitted (matches standard
// byte-stream semantics): Tell may then exceed Size.
func (f *File) Seek(offset int64, whence int) (int64, error) {
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
	return f.pos, nil
}

// Tell returns the current logical position.
func (f *File) Tell() int64 { return f.pos }

// Close releases nothing by itself: File does not own its sources.
// FactoryFile below does.
func (f *File) Close() error { return nil }

// Readable, Writable and Seekable report the capability triple.
// A plain File is always readable and seekable and
// never writable.
func (f *File) Readable() bool { return true }
func (f *File) Writable() bool { return false }
func (f *File) Seekable() bool { return true }

// LambdaReaderFile wraps a pread-style closure into the same seek
// arithmetic as File, for sources that don't naturally expose a
// io.ReaderAt (e.g. a SQLite BLOB column read via "SELECT substr(...)").
type LambdaReaderFile struct {
	pread func(offset, size int64) ([]byte, error)
	size  int64
	pos   int64
}

// NewLambdaReaderFile builds a LambdaReaderFile of the given logical
// size, backed by pread.
func NewLambdaReaderFile(size int64, pread func(offset, size int64) ([]byte, error)) *LambdaReaderFile {
	return &LambdaReaderFile{pread: pread, size: size}
}

func (l *LambdaReaderFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.InvalidSeek
	}
	if off >= l.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > l.size {
		want = l.size - off
	}
	b, err := l.pread(off, want)
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	if int64(n) < want {
		return n, io.EOF
	}
	return n, nil
}

func (l *LambdaReaderFile) Read(p []byte) (int, error) {
	n, err := l.ReadAt(p, l.pos)
	l.pos += int64(n)
	return n, err
}

func (l *LambdaReaderFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = l.pos + offset
	case io.SeekEnd:
		next = l.size + offset
	default:
		return 0, errs.InvalidSeek
	}
	if next < 0 {
		return 0, errs.InvalidSeek
	}
	l.pos = next
	return l.pos, nil
}

func (l *LambdaReaderFile) Size() int64 { return l.size }
func (l *LambdaReaderFile) Close() error { return nil }

// Closer is a Source that also wants to release resources once no
// longer needed, e.g. an *os.File backing one part of a split file.
type Closer interface {
	Source
	Close() error
}

// FactoryFile is the lazy counterpart of File used by splitfile:
// instead of holding every part's source open at once,
// it opens exactly one part on demand via its factory and closes it
// before moving to the next, so joining a thousand-part split archive
// does not require a thousand open file descriptors simultaneously.
type FactoryFile struct {
	opener func(i int) (Closer, int64, error)
	count  int

	cumsizes []int64
	size     int64

	mu      Locker
	pos     int64
	curIdx  int
	curFile Closer
}

// NewFactoryFile builds a FactoryFile over count parts, each produced
// on demand by opener(i), which returns the opened Source and its
// size. sizes gives every part's size up front (required to build the
// cumulative offset table without opening every part eagerly).
func NewFactoryFile(count int, sizes []int64, opener func(i int) (Closer, int64, error), lock Locker) *FactoryFile {
	cumsizes := make([]int64, count)
	var total int64
	for i := 0; i < count; i++ {
		total += sizes[i]
		cumsizes[i] = total
	}
	if lock == nil {
		lock = noopLocker{}
	}
	return &FactoryFile{opener: opener, count: count, cumsizes: cumsizes, size: total, mu: lock, curIdx: -1}
}

func (f *FactoryFile) Size() int64 { return f.size }

func (f *FactoryFile) locate(off int64) (idx int, within int64) {
	i := sort.Search(len(f.cumsizes), func(i int) bool {
		return f.cumsizes[i] > off
	})
	if i >= f.count {
		return f.count, 0
	}
	var prevEnd int64
	if i > 0 {
		prevEnd = f.cumsizes[i-1]
	}
	return i, off - prevEnd
}

// ensure makes sure part idx is the currently opened part, closing the
// previous one first.
func (f *FactoryFile) ensure(idx int) (Closer, error) {
	if idx == f.curIdx && f.curFile != nil {
		return f.curFile, nil
	}
	if f.curFile != nil {
		f.curFile.Close()
		f.curFile = nil
	}
	c, _, err := f.opener(idx)
	if err != nil {
		return nil, err
	}
	f.curFile = c
	f.curIdx = idx
	return c, nil
}

// ReadAt implements io.ReaderAt. The currently open part is shared
// mutable state: with a Locker set, concurrent calls are safe because
// the Locker is held for the whole call; without one, they are not.
func (f *FactoryFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.InvalidSeek
	}
	if off >= f.size {
		return 0, io.EOF
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	idx, within := f.locate(off)
	for total < len(p) && idx < f.count {
		c, err := f.ensure(idx)
		if err != nil {
			return total, err
		}
		partSize := f.cumsizes[idx]
		if idx > 0 {
			partSize -= f.cumsizes[idx-1]
		}
		remaining := partSize - within
		want := p[total:]
		if int64(len(want)) > remaining {
			want = want[:remaining]
		}
		n, err := c.ReadAt(want, within)
		total += n
		if err != nil && err != io.EOF {
			return total, err
		}
		if int64(n) < int64(len(want)) {
			return total, io.EOF
		}
		idx++
		within = 0
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (f *FactoryFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *FactoryFile) Seek(offset int64, whence int) (int64, error) {
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
	return f.pos, nil
}

func (f *FactoryFile) Tell() int64 { return f.pos }

// Close releases the currently open part, if any.
func (f *FactoryFile) Close() error {
	if f.curFile != nil {
		err := f.curFile.Close()
		f.curFile = nil
		return err
	}
	return nil
}
