// Package tar implements mountsource.MountSource over a TAR archive,
// backed by a persistent index built with internal/tarindex and
// internal/index, with content read back through a StenciledFile
// opened on the (possibly decompressed) archive stream.
package tar

import (
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/compress"
	"github.com/archivefs/archivefs/internal/index"
	"github.com/archivefs/archivefs/internal/mountsource"
	"github.com/archivefs/archivefs/internal/pathnorm"
	"github.com/archivefs/archivefs/internal/probe"
	"github.com/archivefs/archivefs/internal/splitfile"
	"github.com/archivefs/archivefs/internal/stencil"
	"github.com/archivefs/archivefs/internal/tarindex"
)

// BackendName is stored in metadata.backendName and checked on reopen.
const BackendName = "tar"

// Source is a TAR-backed mountsource.MountSource.
type Source struct {
	idx     *index.Index
	content io.ReaderAt // decompressed (or raw) archive bytes, seekable
	closers []io.Closer
}

// Options configures how a TAR archive is opened/indexed.
type Options struct {
	// IndexPath, if non-empty, names the sqlite file to load/create;
	// otherwise an in-memory index is used (and migrated to disk next
	// to the archive if the archive turns out to be compressed, since
	// compression seek indexes can be too large to keep in memory).
	IndexPath string
	// VerifyMtime additionally rejects a stored index whose recorded
	// archive mtime no longer matches; by default only a shrunken
	// archive invalidates the index.
	VerifyMtime bool
	// Recursive expands nested TAR members in place: a member
	// "logs.tar" containing "x" is also exposed at "/logs.tar/x" (or
	// "/logs/x" with StripTarExtension).
	Recursive bool
	// StripTarExtension removes the ".tar" suffix from recursion mount
	// points. Only meaningful with Recursive.
	StripTarExtension bool
	// Progress, when set, receives byte counts as the TAR indexer
	// consumes the archive. Typically a
	// *progressbar.Bar; nil disables reporting entirely.
	Progress tarindex.ProgressReporter
}

// tarStats is the archive stat snapshot stored under metadata.tarstats
// and compared against the live file on every reopen.
type tarStats struct {
	Size  int64   `json:"size"`
	Mtime float64 `json:"mtime"`
}

// arguments records the indexing options that shaped the files table;
// a reopen with different options logs a warning but still reuses the
// index (the rows are valid either way, just possibly less complete).
type arguments struct {
	Recursive         bool `json:"recursive"`
	StripTarExtension bool `json:"stripTarExtension"`
}

const pastEndOffsetKey = "pastEndOffset"

// Open opens archivePath, reusing a valid index if one is found at
// opts.IndexPath (or building one there), decompressing the stream
// transparently if it is gzip/bzip2/xz/zstd-wrapped.
func Open(archivePath string, opts Options) (*Source, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, &errs.Operational{Op: "tar: open archive", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errs.Operational{Op: "tar: stat archive", Err: err}
	}

	// A numbered split sequence (x.tar.001, x.tar.002, ...) is joined
	// into one virtual archive before anything else looks at the bytes.
	var raw io.ReaderAt = f
	rawSize := info.Size()
	closers := []io.Closer{f}
	if parts, ok := splitfile.Detect(archivePath); ok {
		joined := splitfile.Open(parts)
		raw = joined
		rawSize = joined.Size()
		closers = append(closers, joined)
	}

	header := make([]byte, 512)
	n, _ := raw.ReadAt(header, 0)
	header = header[:n]
	format := probe.DetectCompression(header)
	compressed := format != probe.FormatUnknown

	var content io.ReaderAt = raw
	var dec compress.Decoder
	if compressed {
		dec, err = compress.Open(format, raw, rawSize, compress.Options{FileBacked: true})
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		content = dec
		closers = append(closers, dec)
	}

	if opts.IndexPath != "" {
		src, reused, err := reuseExisting(opts, info, raw, content, format, dec, compressed, closers)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		if reused {
			return src, nil
		}
	}

	idx, err := buildFresh(opts, archivePath, info, content, format, dec, compressed)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return &Source{idx: idx, content: content, closers: closers}, nil
}

// reuseExisting tries to reuse the index at opts.IndexPath, possibly
// extending it in place when the archive was only appended to. It
// reports reused=false (with the bad file deleted) when the caller
// should rebuild from scratch; a MismatchingIndex is returned as a
// hard error without deleting anything, so the caller can hand the
// archive to another backend.
func reuseExisting(opts Options, info os.FileInfo, raw io.ReaderAt, content io.ReaderAt, format probe.Format, dec compress.Decoder, compressed bool, closers []io.Closer) (*Source, bool, error) {
	existing, err := index.Open(opts.IndexPath, BackendName)
	if err != nil {
		if _, ok := err.(*errs.MismatchingIndex); ok {
			return nil, false, err
		}
		os.Remove(opts.IndexPath)
		return nil, false, nil
	}

	stats, ok := loadTarStats(existing)
	if !ok {
		existing.Close()
		os.Remove(opts.IndexPath)
		return nil, false, nil
	}
	curMtime := float64(info.ModTime().Unix())

	switch {
	case info.Size() < stats.Size,
		opts.VerifyMtime && curMtime != stats.Mtime:
		// The archive shrank (or changed, with verification on): every
		// stored offset is suspect.
		existing.Close()
		os.Remove(opts.IndexPath)
		return nil, false, nil

	case info.Size() == stats.Size:
		warnOnArgumentMismatch(existing, opts)
		if compressed {
			if err := compress.LoadSeekIndex(existing.DB(), format, dec); err != nil {
				log.Printf("could not load compression seek index, seeking will re-decode: %v", err)
			}
		}
		return &Source{idx: existing, content: content, closers: closers}, true, nil
	}

	// The archive grew. Either it was appended to in place (extend the
	// index with just the new tail) or it was replaced (rebuild).
	src, ok, err := tryAppend(opts, existing, info, raw, content, stats, curMtime, compressed, closers)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return src, true, nil
	}
	existing.Close()
	os.Remove(opts.IndexPath)
	return nil, false, nil
}

// tryAppend applies the append-detection gate and, when it passes,
// indexes only the bytes past the previously recorded end of archive.
func tryAppend(opts Options, existing *index.Index, info os.FileInfo, raw io.ReaderAt, content io.ReaderAt, stats tarStats, curMtime float64, compressed bool, closers []io.Closer) (*Source, bool, error) {
	pastEndStr, ok := existing.Metadata(pastEndOffsetKey)
	if !ok {
		return nil, false, nil
	}
	pastEnd, err := strconv.ParseInt(pastEndStr, 10, 64)
	if err != nil || pastEnd <= 0 {
		return nil, false, nil
	}
	rowCount, err := existing.NonGeneratedRowCount()
	if err != nil {
		return nil, false, nil
	}
	cand := tarindex.AppendCandidate{
		PreviousSize:     stats.Size,
		CurrentSize:      info.Size(),
		PreviousMtime:    stats.Mtime,
		CurrentMtime:     curMtime,
		Compressed:       compressed,
		ExistingRowCount: rowCount,
		PastEndOffset:    pastEnd,
	}
	if !cand.ShouldTreatAsAppend() {
		return nil, false, nil
	}
	if tarindex.HasTwoZeroBlocksAt(raw, pastEnd) {
		// The end-of-archive marker is still where we left it; the file
		// grew some other way (e.g. trailing garbage). Not an append.
		return nil, false, nil
	}

	// Spot-check a sample of existing rows against the archive bytes
	// before trusting the stored offsets.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, pos := range tarindex.SampleRowsToVerify(rowCount, rng) {
		e, ok, err := existing.EntryByPosition(pos)
		if err != nil || !ok {
			return nil, false, nil
		}
		// Dumpdir directory clones carry a deliberately bumped offset
		// (the +1 primary-key trick) and cannot be re-parsed in place.
		if e.TypeRaw == 'D' && e.Mode&index.S_IFDIR != 0 {
			continue
		}
		if !tarindex.VerifyRow(raw, e) {
			return nil, false, nil
		}
	}

	log.Printf("archive grew from %d to %d bytes, indexing the appended %d bytes",
		stats.Size, info.Size(), info.Size()-pastEnd)

	existing.Close()
	idx, err := index.Create(opts.IndexPath, BackendName)
	if err != nil {
		return nil, false, err
	}
	// Any persisted compression offsets predate the append and no
	// longer line up with the file.
	if err := compress.DropSeekTables(idx.DB()); err != nil {
		idx.Close()
		return nil, false, err
	}

	gnuIncremental := false
	if v, ok := idx.Metadata("isGnuIncremental"); ok && v == "1" {
		gnuIncremental = true
	}
	slice := io.NewSectionReader(content, pastEnd, 1<<62)
	res, err := tarindex.Index(slice, idx, tarindex.Options{
		StreamOffset:   pastEnd,
		GnuIncremental: gnuIncremental,
		Progress:       opts.Progress,
		Recurse:        recurseCallback(opts, idx),
	})
	if err != nil {
		idx.Close()
		return nil, false, err
	}
	if err := idx.Finalize(); err != nil {
		idx.Close()
		return nil, false, err
	}
	if err := writeBuildMetadata(idx, info, opts, pastEnd+res.PastEndOffset, res.IsGnuIncremental || gnuIncremental); err != nil {
		idx.Close()
		return nil, false, err
	}
	if err := idx.ReopenReadOnly(); err != nil {
		idx.Close()
		return nil, false, err
	}
	return &Source{idx: idx, content: content, closers: closers}, true, nil
}

// buildFresh indexes the archive from byte zero into a new index at
// opts.IndexPath (or in memory).
func buildFresh(opts Options, archivePath string, info os.FileInfo, content io.ReaderAt, format probe.Format, dec compress.Decoder, compressed bool) (*index.Index, error) {
	idx, err := index.Create(opts.IndexPath, BackendName)
	if err != nil {
		return nil, err
	}

	inner := make([]byte, 512)
	n, _ := content.ReadAt(inner, 0)
	isTar := probe.LooksLikeTar(inner[:n])

	var pastEnd int64
	gnuIncremental := false
	switch {
	case isTar:
		gnuIncremental = tarindex.ProbeGnuIncremental(io.NewSectionReader(content, 0, 1<<62))
		res, err := tarindex.Index(io.NewSectionReader(content, 0, 1<<62), idx, tarindex.Options{
			GnuIncremental: gnuIncremental,
			Progress:       opts.Progress,
			Recurse:        recurseCallback(opts, idx),
		})
		if err != nil {
			idx.Close()
			return nil, err
		}
		pastEnd = res.PastEndOffset
		if res.RowCount == 0 && compressed {
			if err := synthesizeLoneStream(idx, archivePath, info, content, format); err != nil {
				idx.Close()
				return nil, err
			}
		}
	case compressed:
		if err := synthesizeLoneStream(idx, archivePath, info, content, format); err != nil {
			idx.Close()
			return nil, err
		}
	default:
		idx.Close()
		return nil, &errs.Operational{Op: "tar: probe", Err: xerrors.Errorf("%s is neither a tar archive nor a recognized compressed stream", archivePath)}
	}

	if err := idx.Finalize(); err != nil {
		idx.Close()
		return nil, err
	}
	if err := writeBuildMetadata(idx, info, opts, pastEnd, gnuIncremental); err != nil {
		idx.Close()
		return nil, err
	}

	// A compressed archive's seek index belongs on disk: move an
	// in-memory index next to the archive first if we can, then persist
	// the decoder's checkpoints so the next open seeks instead of
	// re-decoding.
	if compressed {
		if idx.Path() == "" || idx.Path() == ":memory:" {
			target := archivePath + ".index.sqlite"
			if index.Usable(target) {
				if err := idx.MigrateTo(target); err != nil {
					log.Printf("could not migrate in-memory index to %s: %v", target, err)
				}
			}
		}
		if idx.Path() != "" && idx.Path() != ":memory:" {
			if err := compress.SaveSeekIndex(idx.DB(), format, dec); err != nil {
				log.Printf("could not persist compression seek index: %v", err)
			}
		}
	}
	if err := idx.ReopenReadOnly(); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

// recurseCallback builds the nested-TAR expansion hook for the options,
// or nil when recursion is off.
func recurseCallback(opts Options, idx *index.Index) func(entry index.Entry, r io.Reader) (bool, error) {
	if !opts.Recursive {
		return nil
	}
	pattern := tarindex.TransformPattern{
		Suffixes:          []string{".tar"},
		StripTarExtension: opts.StripTarExtension,
	}
	return func(entry index.Entry, r io.Reader) (bool, error) {
		if !pattern.Eligible(entry.Name) {
			return false, nil
		}
		mountPoint := pattern.MountPointFor(pathnorm.Join(entry.Path, entry.Name))
		handled, _, err := tarindex.RecurseInto(r, idx, entry.OffsetData, entry.RecursionDepth, mountPoint)
		return handled, err
	}
}

// synthesizeLoneStream handles the degenerate case of a compressed
// stream with no container inside (notes.txt.xz): one row named after
// the archive minus its compression extension (or the gzip header's
// embedded original name), sized to the full decoded length.
func synthesizeLoneStream(idx *index.Index, archivePath string, info os.FileInfo, content io.ReaderAt, format probe.Format) error {
	name := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	if format == probe.FormatGzip {
		// Prefer the original name recorded in the gzip header, if any.
		f, err := os.Open(archivePath)
		if err == nil {
			head := make([]byte, 1024)
			n, _ := f.ReadAt(head, 0)
			f.Close()
			if embedded := probe.GzipEmbeddedName(head[:n]); embedded != "" {
				name = filepath.Base(embedded)
			}
		}
	}

	size, err := io.Copy(io.Discard, io.NewSectionReader(content, 0, 1<<62))
	if err != nil {
		return &errs.Operational{Op: "tar: size lone stream", Err: err}
	}

	path, base := pathnorm.Split("/" + name)
	e := index.Entry{
		Path:  path,
		Name:  base,
		Size:  size,
		Mtime: float64(info.ModTime().Unix()),
		Mode:  0o777 | 0o100000,
	}
	// No container means no member header: offsetheader stays NULL.
	return idx.InsertBatch([]index.Entry{e})
}

func writeBuildMetadata(idx *index.Index, info os.FileInfo, opts Options, pastEnd int64, gnuIncremental bool) error {
	stats, err := json.Marshal(tarStats{Size: info.Size(), Mtime: float64(info.ModTime().Unix())})
	if err == nil {
		err = idx.SetTarStats(string(stats))
	}
	if err != nil {
		return err
	}
	args, err := json.Marshal(arguments{Recursive: opts.Recursive, StripTarExtension: opts.StripTarExtension})
	if err == nil {
		// Metadata write failures are warnings, not build failures: the
		// rows themselves are already committed and valid.
		if werr := idx.SetArguments(string(args)); werr != nil {
			log.Printf("could not record indexing arguments: %v", werr)
		}
	}
	if err := idx.SetGnuIncremental(gnuIncremental); err != nil {
		log.Printf("could not record incremental flag: %v", err)
	}
	if pastEnd > 0 {
		if err := idx.SetMetadata(pastEndOffsetKey, strconv.FormatInt(pastEnd, 10)); err != nil {
			log.Printf("could not record end-of-archive offset: %v", err)
		}
	}
	return nil
}

func loadTarStats(idx *index.Index) (tarStats, bool) {
	raw, ok := idx.Metadata("tarstats")
	if !ok {
		return tarStats{}, false
	}
	var stats tarStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return tarStats{}, false
	}
	return stats, true
}

func warnOnArgumentMismatch(idx *index.Index, opts Options) {
	raw, ok := idx.Metadata("arguments")
	if !ok {
		return
	}
	var stored arguments
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return
	}
	if stored.Recursive != opts.Recursive || stored.StripTarExtension != opts.StripTarExtension {
		log.Printf("index at %s was built with different options (recursive=%v stripTarExtension=%v); reusing it anyway",
			idx.Path(), stored.Recursive, stored.StripTarExtension)
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

func toInfo(e index.Entry) mountsource.FileInfo {
	return mountsource.FileInfo{
		Path:           e.Path,
		Name:           e.Name,
		Size:           e.Size,
		Mtime:          time.Unix(int64(e.Mtime), 0),
		Mode:           e.Mode,
		Linkname:       e.Linkname,
		UID:            uint32(e.UID),
		GID:            uint32(e.GID),
		IsGenerated:    e.IsGenerated,
		RecursionDepth: e.RecursionDepth,
		UserData:       []any{e.OffsetHeader.Int64, e.OffsetData, e.IsSparse},
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

// Open returns a StenciledFile cut out of the decompressed archive
// stream at the entry's data offset, for its logical size. Sparse
// members are re-parsed through the TAR reader's sparse support at
// read time instead (the index deliberately stores no sparse map).
func (s *Source) Open(info mountsource.FileInfo) (mountsource.OpenFile, error) {
	if len(info.UserData) < 3 {
		return nil, &errs.Operational{Op: "tar: open", Err: errs.IndexNotOpen}
	}
	offsetHeader, _ := info.UserData[0].(int64)
	offsetData, _ := info.UserData[1].(int64)
	isSparse, _ := info.UserData[2].(bool)
	if isSparse {
		return tarindex.OpenSparse(s.content, offsetHeader, offsetData, info.Size)
	}
	f := stencil.New([]stencil.Cutout{{Source: s.content, Offset: offsetData, Size: info.Size}}, nil)
	return f, nil
}

func (s *Source) Versions(path string) (int, error) {
	parent, name := pathnorm.Split(path)
	return s.idx.Versions(parent, name)
}

func (s *Source) IsImmutable() bool { return true }

func (s *Source) ListXattr(info mountsource.FileInfo) ([]string, error) {
	offsetHeader, err := s.offsetHeaderOf(info)
	if err != nil {
		return nil, err
	}
	return s.idx.ListXattr(offsetHeader)
}

func (s *Source) GetXattr(info mountsource.FileInfo, key string) ([]byte, bool, error) {
	offsetHeader, err := s.offsetHeaderOf(info)
	if err != nil {
		return nil, false, err
	}
	return s.idx.GetXattr(offsetHeader, key)
}

func (s *Source) offsetHeaderOf(info mountsource.FileInfo) (int64, error) {
	if len(info.UserData) < 1 {
		return 0, &errs.Operational{Op: "tar: xattr", Err: errs.IndexNotOpen}
	}
	v, ok := info.UserData[0].(int64)
	if !ok {
		return 0, &errs.Operational{Op: "tar: xattr", Err: errs.IndexNotOpen}
	}
	return v, nil
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
	closeAll(s.closers)
	return firstErr
}
