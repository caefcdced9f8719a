// Package splitfile detects a numbered sequence of sibling files
// (archive.7z.001, archive.7z.002, ...) and joins them into one
// logical archive via stencil.FactoryFile.
package splitfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/archivefs/archivefs/internal/stencil"
)

// alphabet classifies the characters making up a numbering suffix.
type alphabet int

const (
	alphabetNone alphabet = iota
	alphabetLower
	alphabetDecimal
	alphabetHex
)

func classify(suffix string) alphabet {
	if suffix == "" {
		return alphabetNone
	}
	allDecimal, allHex, allLower := true, true, true
	for _, r := range suffix {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
			allDecimal = false
		case r >= 'g' && r <= 'z':
			allDecimal, allHex = false, false
		default:
			return alphabetNone
		}
	}
	if allDecimal {
		return alphabetDecimal
	}
	if allHex {
		return alphabetHex
	}
	if allLower {
		return alphabetLower
	}
	return alphabetNone
}

// numbering produces the suffix sequence for index i (0-based position
// in the sequence) under one of the three numbering systems tested.
type numbering func(i int) string

func lowerLatin(width int) numbering {
	return func(i int) string {
		// base-26 "spreadsheet column" style: a, b, ..., z, aa, ab, ...
		n := i
		var b []byte
		for {
			b = append([]byte{byte('a' + n%26)}, b...)
			n = n/26 - 1
			if n < 0 {
				break
			}
		}
		for len(b) < width {
			b = append([]byte{'a'}, b...)
		}
		return string(b)
	}
}

func decimal(width int) numbering {
	return func(i int) string {
		s := strconv.Itoa(i)
		for len(s) < width {
			s = "0" + s
		}
		return s
	}
}

func hexadecimal(width int) numbering {
	return func(i int) string {
		s := strconv.FormatInt(int64(i), 16)
		for len(s) < width {
			s = "0" + s
		}
		return s
	}
}

// Part is one file of a detected split sequence.
type Part struct {
	Path string
	Size int64
}

// Detect looks for siblings of the file at path that form a numbered
// split sequence and, if one is found with at least 2 parts, returns
// them in order. ok is false when path does not look like part of a
// split sequence at all (including when it is the only file matching
// its own numbering).
func Detect(path string) (parts []Part, ok bool) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	dotIdx := strings.LastIndexByte(base, '.')
	if dotIdx < 0 {
		return nil, false
	}
	prefix, suffix := base[:dotIdx+1], base[dotIdx+1:]
	class := classify(suffix)
	if class == alphabetNone {
		return nil, false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}
	// Siblings are filtered only by shared prefix and suffix width: a
	// suffix's own alphabet class can be ambiguous (e.g. "aa" is valid
	// lowercase-latin and valid hex at once), so all three numbering
	// systems are tried against the same width-matched sibling set and
	// the longest real match wins, rather than picking one class up
	// front and committing to it.
	width := len(suffix)
	siblingSuffixes := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		s := strings.TrimPrefix(name, prefix)
		if len(s) == width && classify(s) != alphabetNone {
			siblingSuffixes[s] = true
		}
	}

	var best []string
	tryScheme := func(gen numbering) {
		for _, start := range []int{0, 1} {
			var seq []string
			i := start
			for {
				s := gen(i)
				if !siblingSuffixes[s] {
					break
				}
				seq = append(seq, s)
				i++
			}
			if len(seq) > len(best) {
				best = seq
			}
		}
	}
	tryScheme(lowerLatin(width))
	tryScheme(decimal(width))
	tryScheme(hexadecimal(width))

	if len(best) < 2 {
		return nil, false
	}

	// The per-part sizes are needed up front to build the joined file's
	// offset table; stat them concurrently, split sequences can run to
	// hundreds of parts on network filesystems.
	out := make([]Part, len(best))
	var g errgroup.Group
	for i, s := range best {
		i, s := i, s
		g.Go(func() error {
			p := filepath.Join(dir, prefix+s)
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			out[i] = Part{Path: p, Size: info.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false
	}
	return out, true
}

// Open joins parts into one seekable stencil.FactoryFile, opening at
// most one part's file descriptor at a time.
func Open(parts []Part) *stencil.FactoryFile {
	sizes := make([]int64, len(parts))
	for i, p := range parts {
		sizes[i] = p.Size
	}
	opener := func(i int) (stencil.Closer, int64, error) {
		f, err := os.Open(parts[i].Path)
		if err != nil {
			return nil, 0, err
		}
		return f, parts[i].Size, nil
	}
	return stencil.NewFactoryFile(len(parts), sizes, opener, nil)
}
