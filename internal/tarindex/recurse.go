package tarindex

import (
	"io"
	"strings"

	"github.com/archivefs/archivefs/internal/index"
	"github.com/archivefs/archivefs/internal/pathnorm"
	"github.com/archivefs/archivefs/internal/probe"
)

// MaxRecursionDepth bounds how many nested-TAR layers are expanded
// automatically, guarding against a pathological or adversarial
// archive that embeds itself.
const MaxRecursionDepth = 8

// TransformPattern narrows which regular-file names are considered
// candidates for recursive expansion and controls where the expanded
// content mounts.
type TransformPattern struct {
	// Suffixes restricts recursion to names ending in one of these
	// (case-insensitive); empty means "probe every regular file".
	Suffixes []string
	// StripTarExtension removes a trailing ".tar" (any case) from the
	// mount point, so "logs.tar" inside an archive expands at "/logs"
	// rather than "/logs.tar".
	StripTarExtension bool
	// MountPoint, if non-empty, rewrites the nested archive's internal
	// root to mount under this path instead of the member's own path:
	// the member "a.tar" containing "/x" is exposed at MountPoint+"/x"
	// rather than "/a.tar/x".
	MountPoint string
}

// Eligible reports whether name should be probed as a nested archive.
func (p TransformPattern) Eligible(name string) bool {
	if len(p.Suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range p.Suffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// MountPointFor resolves where the nested archive inside the member at
// memberPath mounts. Note that with StripTarExtension, two members
// "a.tar" and "a" side by side both resolve to "/a"; their rows keep
// distinct primary keys through their offsets, but the merged listing
// is deliberately left as the union of both.
func (p TransformPattern) MountPointFor(memberPath string) string {
	if p.MountPoint != "" {
		return pathnorm.Normalize(p.MountPoint)
	}
	mp := memberPath
	if p.StripTarExtension {
		if lower := strings.ToLower(mp); strings.HasSuffix(lower, ".tar") {
			mp = mp[:len(mp)-len(".tar")]
		}
	}
	return pathnorm.Normalize(mp)
}

// RecurseInto attempts to index content as a nested TAR stream at
// RecursionDepth+1, mounting its rows under mountPoint. It returns
// handled=false without error when content does not look like a TAR
// stream, which is the common case and not itself a build failure
// (recursive expansion is opportunistic).
//
// entryOffsetData is where content's bytes begin in the outer stream,
// needed so nested rows' OffsetHeader/OffsetData values are absolute
// positions in the top-level archive rather than relative to the
// member being expanded.
func RecurseInto(content io.Reader, idx *index.Index, entryOffsetData int64, depth int, mountPoint string) (handled bool, res Result, err error) {
	if depth+1 > MaxRecursionDepth {
		return false, Result{}, nil
	}
	header := make([]byte, 512)
	n, readErr := io.ReadFull(content, header)
	if n < 512 {
		return false, Result{}, nil
	}

	if format := probe.DetectCompression(header); format != probe.FormatUnknown {
		// A compressed nested member cannot be indexed by outer-stream
		// offset without its own seekable decoder; it stays a plain file.
		return false, Result{}, nil
	}
	if !probe.LooksLikeTar(header[:n]) {
		return false, Result{}, nil
	}
	if readErr != nil && readErr != io.ErrUnexpectedEOF {
		return false, Result{}, nil
	}

	inner := &prefixReader{prefix: header[:n], rest: content}
	res, err = Index(inner, idx, Options{
		StreamOffset:   entryOffsetData,
		PathPrefix:     mountPoint,
		RecursionDepth: depth + 1,
	})
	if err != nil {
		return false, Result{}, err
	}
	return true, res, nil
}

// prefixReader replays an already-consumed header block before
// continuing to read from rest, so a peeked-at stream can still be
// indexed from byte zero.
type prefixReader struct {
	prefix []byte
	rest   io.Reader
}

func (p *prefixReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.rest.Read(b)
}
