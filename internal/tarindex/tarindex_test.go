package tarindex

import (
	"archive/tar"
	"bytes"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/archivefs/archivefs/internal/index"
)

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(1)) }

func buildTar(t *testing.T, entries []tar.Header, contents []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for i, h := range entries {
		hc := h
		if err := w.WriteHeader(&hc); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if i < len(contents) && contents[i] != "" {
			if _, err := w.Write([]byte(contents[i])); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestIndexVersioning(t *testing.T) {
	now := time.Now()
	data := buildTar(t, []tar.Header{
		{Name: "foo/bar", Size: 3, Mode: 0o644, ModTime: now},
		{Name: "foo/bar", Size: 5, Mode: 0o600, ModTime: now.Add(time.Second)},
	}, []string{"abc", "defgh"})

	idx, err := index.Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	res, err := Index(bytes.NewReader(data), idx, Options{})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", res.RowCount)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	n, err := idx.Versions("/foo", "bar")
	if err != nil || n != 2 {
		t.Fatalf("Versions = %d, %v, want 2", n, err)
	}
	latest, ok, err := idx.Lookup("/foo", "bar", 0)
	if err != nil || !ok || latest.Size != 5 {
		t.Fatalf("Lookup(v=0) = %+v, want size 5", latest)
	}
}

func TestIndexXattrs(t *testing.T) {
	data := buildTar(t, []tar.Header{
		{
			Name: "f", Size: 1, Mode: 0o644,
			PAXRecords: map[string]string{"SCHILY.xattr.user.foo": "bar"},
		},
	}, []string{"x"})

	idx, err := index.Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	if _, err := Index(bytes.NewReader(data), idx, Options{}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	entry, ok, err := idx.Lookup("/", "f", 0)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	val, ok, err := idx.GetXattr(entry.OffsetHeader.Int64, "user.foo")
	if err != nil || !ok || string(val) != "bar" {
		t.Fatalf("GetXattr = %q, ok=%v, err=%v, want %q", val, ok, err, "bar")
	}
}

func TestIdempotentIndexing(t *testing.T) {
	now := time.Unix(1700000000, 0)
	data := buildTar(t, []tar.Header{
		{Name: "a/one", Size: 4, Mode: 0o644, ModTime: now},
		{Name: "a/two", Size: 6, Mode: 0o600, ModTime: now},
		{Name: "b/deep/three", Size: 2, Mode: 0o755, ModTime: now},
	}, []string{"1111", "222222", "33"})

	build := func() []index.Entry {
		idx, err := index.Create(":memory:", "tar")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer idx.Close()
		if _, err := Index(bytes.NewReader(data), idx, Options{}); err != nil {
			t.Fatalf("Index: %v", err)
		}
		if err := idx.Finalize(); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		total, err := idx.NonGeneratedRowCount()
		if err != nil {
			t.Fatalf("NonGeneratedRowCount: %v", err)
		}
		var rows []index.Entry
		for pos := int64(0); pos < total; pos++ {
			e, ok, err := idx.EntryByPosition(pos)
			if err != nil || !ok {
				t.Fatalf("EntryByPosition(%d): ok=%v err=%v", pos, ok, err)
			}
			rows = append(rows, e)
		}
		return rows
	}

	first := build()
	second := build()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("two builds over the same archive diverged (-first +second):\n%s", diff)
	}
}

func TestStripIncrementalPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"13666753432/home/user/file.txt", "home/user/file.txt"},
		{"01/readme", "01/readme"},               // too short to be a timestamp
		{"13666753438/x", "13666753438/x"},       // '8' is not octal
		{"no/prefix/here", "no/prefix/here"},
		{"1366675343212", "1366675343212"},       // no separator
	}
	for _, tc := range cases {
		if got := StripIncrementalPrefix(tc.in); got != tc.want {
			t.Errorf("StripIncrementalPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGnuIncrementalDumpDirEmittedTwice(t *testing.T) {
	records := "Yfile.txt\x00Nremoved.txt\x00"
	data := buildTar(t, []tar.Header{
		{Name: "13666753432/home", Typeflag: 'D', Size: int64(len(records)), Mode: 0o755},
		{Name: "13666753432/home/file.txt", Size: 2, Mode: 0o644},
	}, []string{records, "hi"})

	if !ProbeGnuIncremental(bytes.NewReader(data)) {
		t.Fatalf("ProbeGnuIncremental should detect the dumpdir entry")
	}

	idx, err := index.Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	res, err := Index(bytes.NewReader(data), idx, Options{GnuIncremental: true})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if !res.IsGnuIncremental {
		t.Fatalf("expected IsGnuIncremental")
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// The timestamp prefix must be stripped from every member.
	if _, ok, _ := idx.Lookup("/home", "file.txt", 0); !ok {
		t.Fatalf("expected /home/file.txt after prefix stripping")
	}
	// The dumpdir is both the payload file and the directory: two rows
	// under the same path+name with adjacent offsets.
	n, err := idx.Versions("/", "home")
	if err != nil || n != 2 {
		t.Fatalf("Versions(/home) = %d, %v, want 2", n, err)
	}
	reg, ok, _ := idx.Lookup("/", "home", 1)
	if !ok || reg.Mode&0o170000 == index.S_IFDIR {
		t.Fatalf("first row should be the payload file, got mode %o", reg.Mode)
	}
	dir, ok, _ := idx.Lookup("/", "home", 2)
	if !ok || dir.Mode&0o170000 != index.S_IFDIR || dir.Size != 0 {
		t.Fatalf("second row should be the zero-size directory, got %+v", dir)
	}
	if dir.OffsetHeader.Int64 != reg.OffsetHeader.Int64+1 {
		t.Fatalf("directory clone should sit one byte past the payload row: %d vs %d",
			dir.OffsetHeader.Int64, reg.OffsetHeader.Int64)
	}
}

func TestRecurseIntoNestedTar(t *testing.T) {
	inner := buildTar(t, []tar.Header{
		{Name: "x", Size: 3, Mode: 0o644},
	}, []string{"abc"})
	outer := buildTar(t, []tar.Header{
		{Name: "nested.tar", Size: int64(len(inner)), Mode: 0o644},
	}, []string{string(inner)})

	idx, err := index.Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	var recursed bool
	_, err = Index(bytes.NewReader(outer), idx, Options{
		Recurse: func(entry index.Entry, r io.Reader) (bool, error) {
			handled, _, err := RecurseInto(r, idx, entry.OffsetData, entry.RecursionDepth, "/nested.tar")
			recursed = recursed || handled
			return handled, err
		},
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if !recursed {
		t.Fatalf("expected the nested member to be expanded")
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	e, ok, err := idx.Lookup("/nested.tar", "x", 0)
	if err != nil || !ok {
		t.Fatalf("Lookup nested member: ok=%v err=%v", ok, err)
	}
	if e.RecursionDepth != 1 {
		t.Fatalf("RecursionDepth = %d, want 1", e.RecursionDepth)
	}
	// The nested row's data offset is absolute in the outer stream:
	// reading there must yield the member's own content.
	if got := outer[e.OffsetData : e.OffsetData+e.Size]; string(got) != "abc" {
		t.Fatalf("content at absolute offset = %q, want %q", got, "abc")
	}
	outerRow, ok, _ := idx.Lookup("/", "nested.tar", 0)
	if !ok || !outerRow.IsTar {
		t.Fatalf("outer member should be marked is_tar, got %+v", outerRow)
	}
}

func TestOpenSparseReadsLogicalContent(t *testing.T) {
	data := buildTar(t, []tar.Header{
		{Name: "f", Size: 5, Mode: 0o644},
	}, []string{"hello"})

	f, err := OpenSparse(bytes.NewReader(data), 0, 512, 5)
	if err != nil {
		t.Fatalf("OpenSparse: %v", err)
	}
	defer f.Close()

	got := make([]byte, 5)
	if _, err := io.ReadFull(f, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q, want %q", got, "hello")
	}
	// A backward ReadAt restarts the parse transparently.
	buf := make([]byte, 2)
	if _, err := f.ReadAt(buf, 1); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "el" {
		t.Fatalf("ReadAt(1) = %q, want %q", buf, "el")
	}
}

func TestHasTwoZeroBlocksAt(t *testing.T) {
	data := buildTar(t, []tar.Header{
		{Name: "f", Size: 3, Mode: 0o644},
	}, []string{"abc"})

	idx, err := index.Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()
	res, err := Index(bytes.NewReader(data), idx, Options{})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	if !HasTwoZeroBlocksAt(bytes.NewReader(data), res.PastEndOffset) {
		t.Fatalf("expected the end-of-archive marker at %d", res.PastEndOffset)
	}
	if HasTwoZeroBlocksAt(bytes.NewReader(data), 0) {
		t.Fatalf("offset 0 holds a header, not the end-of-archive marker")
	}
}

func TestVerifyRow(t *testing.T) {
	data := buildTar(t, []tar.Header{
		{Name: "dir/f", Size: 3, Mode: 0o644},
	}, []string{"abc"})

	idx, err := index.Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()
	if _, err := Index(bytes.NewReader(data), idx, Options{}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	e, ok, _ := idx.Lookup("/dir", "f", 0)
	if !ok {
		t.Fatalf("Lookup failed")
	}
	if !VerifyRow(bytes.NewReader(data), e) {
		t.Fatalf("VerifyRow should accept the untouched archive")
	}
	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xff
	if VerifyRow(bytes.NewReader(corrupted), e) {
		t.Fatalf("VerifyRow should reject a corrupted header")
	}
}

func TestShouldTreatAsAppend(t *testing.T) {
	c := AppendCandidate{
		PreviousSize: 100 << 20, CurrentSize: 150 << 20,
		PreviousMtime: 1000, CurrentMtime: 2000,
		ExistingRowCount: 2000,
	}
	if !c.ShouldTreatAsAppend() {
		t.Fatalf("expected append to be detected")
	}
	c.Compressed = true
	if c.ShouldTreatAsAppend() {
		t.Fatalf("compressed archives should never be treated as appended")
	}
}

func TestSampleRowsToVerify(t *testing.T) {
	samples := SampleRowsToVerify(5000, newTestRand())
	if len(samples) == 0 {
		t.Fatalf("expected a non-empty sample")
	}
	for _, i := range samples {
		if i < 0 || i >= 5000 {
			t.Fatalf("sample %d out of range", i)
		}
	}
}
