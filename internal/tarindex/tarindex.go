// Package tarindex iterates a TAR byte stream and feeds the rows it
// discovers into internal/index, handling xattr pax records, GNU
// incremental markers, sparse members and recursive nested-TAR
// expansion along the way.
package tarindex

import (
	"archive/tar"
	"encoding/base64"
	"io"
	"net/url"
	"strings"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/index"
	"github.com/archivefs/archivefs/internal/pathnorm"
)

const xattrSchilyPrefix = "SCHILY.xattr."
const xattrLibarchivePrefix = "LIBARCHIVE.xattr."

const batchSize = 1000

// typeGNUDumpDir is the legacy GNU tar "D" entry used by
// --listed-incremental dumps: a directory entry immediately followed
// by a list of the directory's former contents, encoded as
// NUL-delimited records in the entry body. It predates a stdlib
// constant, so it is matched on the raw byte.
const typeGNUDumpDir = 'D'

// Options configures one indexing pass.
type Options struct {
	// StreamOffset is added to every offsetheader this pass records,
	// used when indexing a StenciledFile slice that starts partway
	// through the real archive (append detection, recursive nesting).
	StreamOffset int64
	// PathPrefix is prepended to every member name before normalization,
	// used when indexing a nested archive so its rows mount under the
	// containing member's path instead of the filesystem root.
	PathPrefix string
	// RecursionDepth is stamped onto every row produced by this pass.
	RecursionDepth int
	// GnuIncremental marks the stream as a GNU --listed-incremental
	// dump (decided up front by ProbeGnuIncremental): member names get
	// their octal timestamp prefix stripped, and dumpdir entries are
	// emitted both as the payload file and as the directory it
	// describes.
	GnuIncremental bool
	// Recurse, when set, is called for every regular file entry before
	// it is committed as a row; if it reports handled=true, the entry
	// was consumed as a nested archive (its own rows already inserted
	// at RecursionDepth+1) and the outer row is still inserted but
	// marked IsTar.
	Recurse func(entry index.Entry, r io.Reader) (handled bool, err error)
	// Progress, when set, is told how many bytes of the stream were
	// consumed after each header is read, driving a progressbar.Bar.
	Progress ProgressReporter
}

// ProgressReporter receives incremental byte counts as the indexer
// consumes the stream. *progressbar.Bar satisfies this; tests pass nil.
type ProgressReporter interface {
	Add(n int64)
}

// Result summarizes one pass for append-detection bookkeeping.
type Result struct {
	RowCount       int
	IsGnuIncremental bool
	// PastEndOffset is the offset, relative to the start of this pass's
	// stream (not StreamOffset-adjusted), just past the last member's
	// data, rounded up to the 512-byte block boundary TAR pads to.
	PastEndOffset int64
}

// Index reads TAR headers from r (which must already be positioned at
// the start of a TAR stream, with any compression removed) and inserts
// batches of rows into idx.
func Index(r io.Reader, idx *index.Index, opts Options) (Result, error) {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)
	var batch []index.Entry
	var res Result
	var lastReported int64
	var lastMemberEnd int64
	// nextHeader is where the next header starts, once known: tr.Next()
	// skips the previous member's body and padding through cr, so cr.n
	// alone does not mark the header.
	var nextHeader int64

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
		if nextHeader > headerStart {
			headerStart = nextHeader
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, &errs.Operational{Op: "tarindex: read header", Err: err}
		}
		dataStart := cr.n
		if opts.Progress != nil {
			// tr.Next() has already skipped past the previous member's
			// remaining body and padding, so the byte count consumed
			// since the last report reflects real progress even though
			// this loop never explicitly reads a member's body.
			opts.Progress.Add(cr.n - lastReported)
			lastReported = cr.n
		}

		if hdr.Typeflag == typeGNUDumpDir {
			res.IsGnuIncremental = true
		}

		rawName := strings.TrimSuffix(hdr.Name, "/")
		if opts.GnuIncremental {
			rawName = StripIncrementalPrefix(rawName)
		}
		if opts.PathPrefix != "" {
			rawName = opts.PathPrefix + "/" + rawName
		}
		path, name := pathnorm.Split(rawName)
		headerOffset := opts.StreamOffset + headerStart
		dataOffset := opts.StreamOffset + dataStart

		entry := index.Entry{
			Path:           path,
			Name:           name,
			OffsetData:     dataOffset,
			Size:           hdr.Size,
			Mtime:          float64(hdr.ModTime.Unix()),
			Mode:           uint32(hdr.Mode) | typeModeBits(hdr.Typeflag),
			TypeRaw:        int(hdr.Typeflag),
			Linkname:       hdr.Linkname,
			UID:            hdr.Uid,
			GID:            hdr.Gid,
			RecursionDepth: opts.RecursionDepth,
		}
		entry.OffsetHeader.Valid = true
		entry.OffsetHeader.Int64 = headerOffset

		if hdr.Typeflag == tar.TypeGNUSparse {
			entry.IsSparse = true
			nextHeader = 0
		} else {
			// Past-end tracking stops at the last non-sparse member: a
			// sparse member's on-disk extent cannot be derived from its
			// logical size, so the appended-data boundary is anchored to
			// the member before it.
			const blockSize = 512
			lastMemberEnd = dataStart + (hdr.Size+blockSize-1)/blockSize*blockSize
			nextHeader = lastMemberEnd
		}
		if hdr.Typeflag == typeGNUDumpDir {
			body, err := io.ReadAll(tr)
			if err != nil {
				return res, &errs.Operational{Op: "tarindex: read dumpdir body", Err: err}
			}
			_ = splitDumpDirRecords(body) // parsed for validation; not persisted as rows

			// A dumpdir is two logical things at once: a payload file
			// holding the directory listing, and the directory itself.
			// Emit both; the clone's offsetheader is bumped by one so
			// the composite primary key stays unique.
			dirEntry := entry
			dirEntry.OffsetHeader.Int64 = headerOffset + 1
			dirEntry.Size = 0
			dirEntry.Mode = (entry.Mode &^ 0o170000) | index.S_IFDIR
			batch = append(batch, dirEntry)
			res.RowCount++
		}

		if opts.Recurse != nil && hdr.Typeflag == tar.TypeReg {
			handled, err := opts.Recurse(entry, tr)
			if err != nil {
				return res, err
			}
			if handled {
				entry.IsTar = true
			}
		}

		batch = append(batch, entry)
		res.RowCount++
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}

		if err := indexXattrs(idx, entry, hdr); err != nil {
			return res, err
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	if opts.Progress != nil && cr.n > lastReported {
		opts.Progress.Add(cr.n - lastReported)
	}
	res.PastEndOffset = lastMemberEnd
	return res, nil
}

// countingReader tracks bytes consumed so header/data byte offsets can
// be recorded even though archive/tar does not expose them directly.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// typeModeBits maps a TAR type flag onto the st_mode file-type bits so
// Mode alone is enough to tell a directory/symlink/regular file apart.
func typeModeBits(t byte) uint32 {
	switch t {
	case tar.TypeDir:
		return index.S_IFDIR
	case tar.TypeSymlink:
		return 0o120000
	case tar.TypeChar:
		return 0o20000
	case tar.TypeBlock:
		return 0o60000
	case tar.TypeFifo:
		return 0o10000
	default:
		return 0o100000 // S_IFREG
	}
}

// indexXattrs gathers SCHILY.xattr.* and LIBARCHIVE.xattr.* pax
// records off hdr and stores them against entry's offsetheader.
// LIBARCHIVE keys are URL-decoded and values are base64-decoded with
// implicit padding added back, matching libarchive's own encoding of
// binary xattr values into a PAX-safe text record.
func indexXattrs(idx *index.Index, entry index.Entry, hdr *tar.Header) error {
	for k, v := range hdr.PAXRecords {
		switch {
		case strings.HasPrefix(k, xattrSchilyPrefix):
			key := strings.TrimPrefix(k, xattrSchilyPrefix)
			if err := idx.PutXattr(entry.OffsetHeader.Int64, key, []byte(v)); err != nil {
				return err
			}
		case strings.HasPrefix(k, xattrLibarchivePrefix):
			rawKey := strings.TrimPrefix(k, xattrLibarchivePrefix)
			key, err := url.QueryUnescape(rawKey)
			if err != nil {
				key = rawKey
			}
			padded := v
			if m := len(padded) % 4; m != 0 {
				padded += strings.Repeat("=", 4-m)
			}
			value, err := base64.StdEncoding.DecodeString(padded)
			if err != nil {
				// a malformed per-row encoding is skipped rather than
				// aborting the whole build.
				continue
			}
			if err := idx.PutXattr(entry.OffsetHeader.Int64, key, value); err != nil {
				return err
			}
		}
	}
	return nil
}
