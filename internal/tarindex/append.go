package tarindex

import (
	"archive/tar"
	"bytes"
	"io"
	"math/rand"

	"github.com/archivefs/archivefs/internal/index"
)

// NumberOfMetadataToVerify is the number of existing rows spot-checked
// when deciding whether an archive was appended to rather than
// replaced.
const NumberOfMetadataToVerify = 1000

// MinSizeForAppendCheck is the smallest archive size, in bytes, for
// which append-detection is worth the spot-check cost; below this a
// full rebuild is already effectively instant.
const MinSizeForAppendCheck = 64 << 20

// AppendCandidate describes an archive that may have grown since it
// was indexed.
type AppendCandidate struct {
	PreviousSize    int64
	CurrentSize     int64
	PreviousMtime   float64
	CurrentMtime    float64
	Compressed      bool
	ExistingRowCount int64
	// PastEndOffset is the value recorded by the prior Index() call's
	// Result.PastEndOffset.
	PastEndOffset int64
}

// ShouldTreatAsAppend applies the append-detection gate: grown,
// newer, uncompressed, not tripled in size, enough existing rows, and
// big enough that validating is cheaper than a rebuild.
func (c AppendCandidate) ShouldTreatAsAppend() bool {
	if c.Compressed {
		return false
	}
	if c.CurrentSize <= c.PreviousSize || c.CurrentMtime <= c.PreviousMtime {
		return false
	}
	if c.CurrentSize >= c.PreviousSize*3 {
		return false
	}
	if c.ExistingRowCount < NumberOfMetadataToVerify {
		return false
	}
	if c.CurrentSize < MinSizeForAppendCheck {
		return false
	}
	return true
}

// HasTwoZeroBlocksAt reports whether the archive at r (positioned so
// that ReadAt(buf, offset) reads archive bytes) has the two all-zero
// 512-byte end-of-archive marker blocks starting at offset — the
// signature of an archive that was never appended to beyond what was
// indexed.
func HasTwoZeroBlocksAt(r io.ReaderAt, offset int64) bool {
	buf := make([]byte, 1024)
	n, err := r.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return false
	}
	return n == 1024 && isAllZero(buf)
}

// SampleRowsToVerify picks the spot-check sample:
// the first 100 rows, the last 100, and NumberOfMetadataToVerify-200
// random rows from the middle, each identified by its rowid-ordered
// position among all, so the caller can re-seek and re-parse exactly
// those headers.
func SampleRowsToVerify(total int64, rng *rand.Rand) []int64 {
	if total <= 0 {
		return nil
	}
	seen := make(map[int64]bool)
	var out []int64
	add := func(i int64) {
		if i < 0 || i >= total || seen[i] {
			return
		}
		seen[i] = true
		out = append(out, i)
	}
	for i := int64(0); i < 100 && i < total; i++ {
		add(i)
	}
	for i := total - 100; i < total; i++ {
		add(i)
	}
	middleCount := NumberOfMetadataToVerify - 200
	for i := 0; i < middleCount && len(out) < int(total); i++ {
		add(rng.Int63n(total))
	}
	return out
}

// VerifyRow re-parses the TAR header at e.OffsetHeader and reports
// whether its name, size and mode still match e. The read window is a
// few blocks wide so a PAX extended-header sequence in front of the
// real header can still be parsed.
func VerifyRow(r io.ReaderAt, e index.Entry) bool {
	if !e.OffsetHeader.Valid {
		return false
	}
	buf := make([]byte, 8192)
	n, err := r.ReadAt(buf, e.OffsetHeader.Int64)
	if err != nil && err != io.EOF {
		return false
	}
	if n < 512 {
		return false
	}
	hdr, err := tar.NewReader(bytes.NewReader(buf[:n])).Next()
	if err != nil {
		return false
	}
	_, name := splitForVerify(hdr.Name)
	gotMode := (uint32(hdr.Mode) | typeModeBits(hdr.Typeflag)) &^ 0o7000
	return name == e.Name && hdr.Size == e.Size && gotMode == e.Mode&^0o7000
}

func splitForVerify(raw string) (string, string) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '/' {
			return raw[:i], raw[i+1:]
		}
	}
	return "", raw
}
