// Package asar implements mountsource.MountSource over an Electron
// ASAR archive: a pickle-framed JSON header describing a nested
// directory tree, followed by the concatenated payload of every file.
//
// Unlike TAR, ASAR carries no per-member header bytes in the payload
// region, so offsetheader is not meaningful; every row uses 0, which
// is safe because ASAR paths are unique (no version stacking).
package asar

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/index"
	"github.com/archivefs/archivefs/internal/mountsource"
	"github.com/archivefs/archivefs/internal/pathnorm"
	"github.com/archivefs/archivefs/internal/stencil"
)

// BackendName is stored in metadata.backendName and checked on reopen.
const BackendName = "asar"

const batchSize = 1000

// Options configures how an ASAR archive is opened/indexed.
type Options struct {
	// IndexPath, if non-empty, names the sqlite file to load/create;
	// otherwise an in-memory index is used.
	IndexPath string
}

// Source is an ASAR-backed mountsource.MountSource.
type Source struct {
	idx *index.Index
	f   *os.File
}

// Open opens the ASAR archive at path, reusing a valid index at
// opts.IndexPath if one validates, otherwise parsing the pickle header
// and walking the JSON tree to build one.
func Open(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.Operational{Op: "asar: open archive", Err: err}
	}

	jsonHeader, dataOffset, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	var idx *index.Index
	if opts.IndexPath != "" {
		if existing, err := index.Open(opts.IndexPath, BackendName); err == nil {
			idx = existing
		}
	}
	if idx == nil {
		idx, err = index.Create(opts.IndexPath, BackendName)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := build(idx, jsonHeader, dataOffset); err != nil {
			idx.Close()
			f.Close()
			return nil, err
		}
		if err := idx.Finalize(); err != nil {
			idx.Close()
			f.Close()
			return nil, err
		}
	}

	return &Source{idx: idx, f: f}, nil
}

// readHeader parses the 16-byte pickle framing at offset 0 and reads
// the JSON header bytes it describes, returning the header and the
// byte offset at which file payloads begin.
func readHeader(f *os.File) (jsonHeader []byte, dataOffset int64, err error) {
	var raw [16]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		return nil, 0, &errs.Operational{Op: "asar: read header", Err: err}
	}
	// Field 0 is the size of the pickled size field, always 4; field 1
	// wraps field 2 in its own 4-byte length prefix; field 2 wraps the
	// padded JSON the same way; field 3 is the raw JSON size.
	sizeOfPickledSize := binary.LittleEndian.Uint32(raw[0:4])
	pickledHeaderSize := binary.LittleEndian.Uint32(raw[4:8])
	pickledJSONSize := binary.LittleEndian.Uint32(raw[8:12])
	jsonSize := binary.LittleEndian.Uint32(raw[12:16])
	padding := (4 - jsonSize%4) % 4
	if sizeOfPickledSize != 4 || pickledHeaderSize != pickledJSONSize+4 || pickledJSONSize != jsonSize+padding+4 {
		return nil, 0, &errs.InvalidIndex{Path: f.Name(), Reason: "malformed asar pickle framing"}
	}
	jsonHeader = make([]byte, jsonSize)
	if _, err := f.ReadAt(jsonHeader, 16); err != nil {
		return nil, 0, &errs.Operational{Op: "asar: read json header", Err: err}
	}
	dataOffset = 16 + int64(jsonSize) + int64(padding)
	return jsonHeader, dataOffset, nil
}

// node is one entry of the ASAR header tree: either a directory
// ("files" present) or a file ("offset"/"size" present). Offset is
// transmitted as a JSON string because ASAR headers predate 64-bit-safe
// JSON numbers in the Electron/Node tooling that writes them.
type node struct {
	Files  map[string]*node `json:"files,omitempty"`
	Offset string           `json:"offset,omitempty"`
	Size   json.Number      `json:"size,omitempty"`
	Link   string           `json:"link,omitempty"`
}

// build walks the JSON header depth-first and inserts one row per
// node, mirroring ASARMountSource.py's _create_index iterative stack
// (depth-first to bound memory on very large headers).
func build(idx *index.Index, jsonHeader []byte, dataOffset int64) error {
	var root node
	if err := json.Unmarshal(jsonHeader, &root); err != nil {
		return &errs.Operational{Op: "asar: parse json header", Err: err}
	}

	type work struct {
		fullPath string
		n        *node
	}
	stack := []work{{"/", &root}}
	var batch []index.Entry

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

	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// The root itself gets no row: like the generated-parent rows
		// Finalize synthesizes for TAR, the filesystem root is
		// implicit, never looked up by path+name.
		if w.fullPath != "/" {
			batch = append(batch, toEntry(w.fullPath, w.n, dataOffset))
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		for name, child := range w.n.Files {
			childPath := w.fullPath + "/" + name
			if w.fullPath == "/" {
				childPath = "/" + name
			}
			stack = append(stack, work{childPath, child})
		}
	}
	return flush()
}

func toEntry(fullPath string, n *node, dataOffset int64) index.Entry {
	path, name := pathnorm.Split(fullPath)
	isDir := n.Files != nil
	mode := uint32(0o777)
	if isDir {
		mode |= index.S_IFDIR
	} else {
		mode |= 0o100000 // S_IFREG
	}

	var offset int64
	var size int64
	if !isDir {
		if v, err := parseInt(n.Offset); err == nil {
			offset = dataOffset + v
		}
		if v, err := n.Size.Int64(); err == nil {
			size = v
		}
	}

	e := index.Entry{
		Path:       path,
		Name:       name,
		OffsetData: offset,
		Size:       size,
		Mode:       mode,
		Linkname:   n.Link,
	}
	e.OffsetHeader.Valid = true
	e.OffsetHeader.Int64 = 0
	return e
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func toInfo(e index.Entry) mountsource.FileInfo {
	return mountsource.FileInfo{
		Path:     e.Path,
		Name:     e.Name,
		Size:     e.Size,
		Mtime:    time.Time{},
		Mode:     e.Mode,
		Linkname: e.Linkname,
		UserData: []any{e.OffsetData},
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

func (s *Source) Open(info mountsource.FileInfo) (mountsource.OpenFile, error) {
	if len(info.UserData) < 1 {
		return nil, &errs.Operational{Op: "asar: open", Err: errs.IndexNotOpen}
	}
	offset, _ := info.UserData[0].(int64)
	f := stencil.New([]stencil.Cutout{{Source: s.f, Offset: offset, Size: info.Size}}, nil)
	return f, nil
}

func (s *Source) Versions(path string) (int, error) {
	parent, name := pathnorm.Split(path)
	return s.idx.Versions(parent, name)
}

func (s *Source) IsImmutable() bool { return true }

func (s *Source) ListXattr(info mountsource.FileInfo) ([]string, error) { return nil, nil }

func (s *Source) GetXattr(info mountsource.FileInfo, key string) ([]byte, bool, error) {
	return nil, false, nil
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
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
