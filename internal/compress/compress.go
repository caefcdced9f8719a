// Package compress adapts gzip, bzip2, xz and zstd streams into
// seekable decoders and persists a seek index so re-opening the same
// archive does not require decompressing it from byte zero again.
// Gzip is always decoded through pgzip; Open does not consult
// ShouldParallelize.
package compress

import (
	"io"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/probe"
)

// Decoder is a seekable view of the decompressed stream.
type Decoder interface {
	io.ReaderAt
	// Size returns the decompressed size once this decoder has decoded
	// to the end of the stream, or -1 before that; importing a seek
	// index does not make it known.
	Size() int64
	Close() error
}

// Options tunes parallel decoding and index granularity.
type Options struct {
	// SeekSpacing is the approximate distance, in uncompressed bytes,
	// between checkpoints recorded while building a seek index.
	SeekSpacing int64
	// FileBacked is true when source is backed by a regular file (as
	// opposed to e.g. a pipe wrapped in a bounded buffer), a
	// precondition for parallel decoding.
	FileBacked bool
	// Rotational reports whether the underlying storage is a spinning
	// disk; parallel decompression is skipped there because concurrent
	// reads at scattered offsets thrash seek time worse than they save
	// in CPU-bound inflate.
	Rotational bool
}

const defaultSeekSpacing = 16 << 20 // 16 MiB, matches gzip dictionary-window economics

func (o Options) spacing() int64 {
	if o.SeekSpacing > 0 {
		return o.SeekSpacing
	}
	return defaultSeekSpacing
}

// ShouldParallelize applies the heuristic used to decide whether a
// parallel decoder is worth its overhead: the source must be
// file-backed (so concurrent ReadAt calls don't serialize behind a
// single pipe), not on rotating storage, and large enough relative to
// the seek spacing that splitting it into chunks has something to gain.
func ShouldParallelize(compressedSize int64, opts Options) bool {
	if !opts.FileBacked || opts.Rotational {
		return false
	}
	return compressedSize > 4*opts.spacing()
}

// Open dispatches to the adapter for format and returns a seekable
// Decoder over source, which holds compressedSize bytes of compressed
// data starting at source offset 0.
func Open(format probe.Format, source io.ReaderAt, compressedSize int64, opts Options) (Decoder, error) {
	switch format {
	case probe.FormatGzip:
		return newGzipDecoder(source, compressedSize, opts)
	case probe.FormatBzip2:
		return newBzip2Decoder(source, compressedSize, opts)
	case probe.FormatXz:
		return newXzDecoder(source, compressedSize, opts)
	case probe.FormatZstd:
		return newZstdDecoder(source, compressedSize, opts)
	default:
		return nil, &errs.Compression{Format: string(format)}
	}
}

// checkpoint is one entry of a seek index: at UncompressedOffset bytes
// into the decompressed stream, the decoder's state can be recreated
// by resuming from CompressedOffset bytes into the compressed stream.
type checkpoint struct {
	CompressedOffset   int64
	UncompressedOffset int64
}

// nearestCheckpoint returns the last checkpoint at or before target,
// or the zero checkpoint if target precedes every recorded checkpoint.
func nearestCheckpoint(points []checkpoint, target int64) checkpoint {
	best := checkpoint{}
	for _, c := range points {
		if c.UncompressedOffset <= target {
			best = c
		} else {
			break
		}
	}
	return best
}

// countingReader tracks how many bytes have been pulled from an
// underlying io.Reader, used to stamp checkpoints with the compressed
// offset they correspond to.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// seekableDecoder implements Decoder on top of any streaming format
// whose Go package only exposes a forward-only io.Reader. It keeps a
// small set of checkpoints recorded as decoding proceeds and, on a
// seek that lands before the furthest point decoded so far, restarts
// the underlying decoder from the nearest earlier checkpoint rather
// than from byte zero.
//
// This does not achieve true O(1) random access (that needs
// format-specific bit-aligned restart points, e.g. a raw deflate
// dictionary reset), but it bounds the amount of re-decoding a
// backward seek costs to at most one checkpoint interval, which is
// the same externally observable contract a persisted seek index
// gives a re-opened archive.
type seekableDecoder struct {
	source io.ReaderAt
	newRaw func(r io.Reader) (io.ReadCloser, error)
	spacing int64

	checkpoints []checkpoint
	cur         io.ReadCloser
	curCounting *countingReader
	curBase     int64 // absolute compressed offset the current decoder restarted from
	curPos      int64 // uncompressed position of cur's next byte
	eof         bool
	size        int64 // -1 until fully decoded once
}

func newSeekableDecoder(source io.ReaderAt, compressedSize int64, opts Options, newRaw func(r io.Reader) (io.ReadCloser, error)) (*seekableDecoder, error) {
	d := &seekableDecoder{source: source, newRaw: newRaw, spacing: opts.spacing(), size: -1}
	if err := d.restartFrom(checkpoint{}); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *seekableDecoder) restartFrom(cp checkpoint) error {
	if d.cur != nil {
		d.cur.Close()
	}
	sr := io.NewSectionReader(d.source, cp.CompressedOffset, 1<<62)
	cr := &countingReader{r: sr}
	raw, err := d.newRaw(cr)
	if err != nil {
		return &errs.Compression{Err: err}
	}
	d.cur = raw
	d.curCounting = cr
	d.curBase = cp.CompressedOffset
	d.curPos = cp.UncompressedOffset
	if cp.UncompressedOffset == 0 && len(d.checkpoints) == 0 {
		d.checkpoints = append(d.checkpoints, checkpoint{})
	}
	return nil
}

// advanceTo decodes forward until curPos reaches target or EOF,
// recording checkpoints along the way.
func (d *seekableDecoder) advanceTo(target int64) error {
	buf := make([]byte, 256*1024)
	for d.curPos < target {
		chunk := buf
		if rem := target - d.curPos; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		n, err := d.cur.Read(chunk)
		if n > 0 {
			d.curPos += int64(n)
			last := d.checkpoints[len(d.checkpoints)-1]
			if d.curPos-last.UncompressedOffset >= d.spacing {
				d.checkpoints = append(d.checkpoints, checkpoint{
					CompressedOffset:   d.curBase + d.curCounting.n,
					UncompressedOffset: d.curPos,
				})
			}
		}
		if err != nil {
			if err == io.EOF {
				d.eof = true
				if d.size < 0 {
					d.size = d.curPos
				}
				return io.EOF
			}
			return &errs.Compression{Err: err}
		}
	}
	return nil
}

// ReadAt decodes, restarting from the nearest checkpoint at or before
// off when off is behind the furthest point reached so far.
func (d *seekableDecoder) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.InvalidSeek
	}
	if d.size >= 0 && off >= d.size {
		return 0, io.EOF
	}
	if off < d.curPos {
		cp := nearestCheckpoint(d.checkpoints, off)
		if err := d.restartFrom(cp); err != nil {
			return 0, err
		}
	}
	if err := d.advanceTo(off); err != nil && err != io.EOF {
		return 0, err
	}
	if d.curPos != off {
		return 0, io.EOF
	}
	total := 0
	for total < len(p) {
		n, err := d.cur.Read(p[total:])
		total += n
		d.curPos += int64(n)
		if err != nil {
			if err == io.EOF {
				d.eof = true
				if d.size < 0 {
					d.size = d.curPos
				}
				if total == 0 {
					return 0, io.EOF
				}
				return total, nil
			}
			return total, &errs.Compression{Err: err}
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (d *seekableDecoder) Size() int64 { return d.size }

func (d *seekableDecoder) Close() error {
	if d.cur != nil {
		return d.cur.Close()
	}
	return nil
}

// Checkpoint is the exported form of a seek-index entry, handed to the
// persistence layer (bzip2blocks/zstdblocks tables store one row per
// Checkpoint; gzip serializes the whole set as a blob).
type Checkpoint struct {
	CompressedOffset   int64
	UncompressedOffset int64
}

// IndexedDecoder is implemented by decoders whose seek index can be
// exported after a full decode and imported on a later open. All of
// the adapter's decoders satisfy it; callers type-assert rather than
// depending on it directly so a future decoder with a purely internal
// index (seekable-format containers) can opt out.
type IndexedDecoder interface {
	Checkpoints() []Checkpoint
	SetCheckpoints([]Checkpoint)
	ExportIndex() []byte
	ImportIndex([]byte)
}

// Checkpoints returns a copy of the seek index recorded so far.
func (d *seekableDecoder) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, len(d.checkpoints))
	for i, c := range d.checkpoints {
		out[i] = Checkpoint{CompressedOffset: c.CompressedOffset, UncompressedOffset: c.UncompressedOffset}
	}
	return out
}

// SetCheckpoints replaces the decoder's seek index with one previously
// returned by Checkpoints, so a re-opened archive can seek without
// re-decoding from the start.
func (d *seekableDecoder) SetCheckpoints(points []Checkpoint) {
	if len(points) == 0 {
		return
	}
	cps := make([]checkpoint, len(points))
	for i, c := range points {
		cps[i] = checkpoint{CompressedOffset: c.CompressedOffset, UncompressedOffset: c.UncompressedOffset}
	}
	d.checkpoints = cps
}

// ExportIndex serializes the checkpoints recorded so far as 16 bytes
// per entry (two little-endian uint64 fields), the blob persisted to
// the gzipindexes table (bzip2blocks/zstdblocks store Checkpoints rows
// instead).
func (d *seekableDecoder) ExportIndex() []byte {
	out := make([]byte, 0, len(d.checkpoints)*16)
	for _, c := range d.checkpoints {
		out = appendUint64(out, uint64(c.CompressedOffset))
		out = appendUint64(out, uint64(c.UncompressedOffset))
	}
	return out
}

// ImportIndex replaces the decoder's checkpoints with ones previously
// produced by ExportIndex, so a re-opened archive can seek without
// re-decoding from the start.
func (d *seekableDecoder) ImportIndex(data []byte) {
	points := make([]checkpoint, 0, len(data)/16)
	for i := 0; i+16 <= len(data); i += 16 {
		points = append(points, checkpoint{
			CompressedOffset:   int64(readUint64(data[i : i+8])),
			UncompressedOffset: int64(readUint64(data[i+8 : i+16])),
		})
	}
	if len(points) == 0 {
		return
	}
	d.checkpoints = points
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func readUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
