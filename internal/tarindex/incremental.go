package tarindex

import (
	"archive/tar"
	"io"
	"strings"
	"time"
)

// incrementalProbeMembers and incrementalProbeBudget bound how long
// ProbeGnuIncremental spends deciding whether an archive is a GNU
// --listed-incremental dump. A dump's 'D' entries always appear within
// the first handful of members, so capping the probe keeps pathological
// archives from paying a full first-N-members scan cost twice.
const (
	incrementalProbeMembers = 1000
	incrementalProbeBudget  = 3 * time.Second
)

// ProbeGnuIncremental reads up to incrementalProbeMembers headers from
// r (or stops after incrementalProbeBudget of wall time) and reports
// whether any of them carries the GNU dumpdir type flag. The caller is
// expected to hand in a throwaway reader positioned at the start of
// the TAR stream; the main indexing pass then runs on a fresh one with
// Options.GnuIncremental set accordingly.
func ProbeGnuIncremental(r io.Reader) bool {
	tr := tar.NewReader(r)
	deadline := time.Now().Add(incrementalProbeBudget)
	for i := 0; i < incrementalProbeMembers; i++ {
		hdr, err := tr.Next()
		if err != nil {
			return false
		}
		if hdr.Typeflag == typeGNUDumpDir {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
	return false
}

// StripIncrementalPrefix removes the octal timestamp prefix GNU
// --listed-incremental dumps prepend to every member name
// ("13666753432/home/user/file.txt" -> "home/user/file.txt"). Only a
// first component made entirely of octal digits and long enough to be
// an epoch timestamp is stripped, so ordinary numbered directories
// ("01/readme") survive untouched.
func StripIncrementalPrefix(name string) string {
	idx := strings.IndexByte(name, '/')
	if idx < 9 {
		return name
	}
	for _, c := range name[:idx] {
		if c < '0' || c > '7' {
			return name
		}
	}
	rest := name[idx+1:]
	if rest == "" {
		return name
	}
	return rest
}

// splitDumpDirRecords parses a GNU dumpdir entry body: a sequence of
// NUL-terminated records, each starting with 'Y' (kept), 'N' (removed
// since the last incremental level) or 'D' (a renamed-to target),
// followed by the member's relative name. archivefs records these only
// as metadata (they do not become files-table rows); the directory
// entry itself is indexed twice, once as the dumpdir payload file and
// once as the directory it describes.
func splitDumpDirRecords(body []byte) []string {
	var out []string
	cur := strings.Builder{}
	for _, b := range body {
		if b == 0 {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteByte(b)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
