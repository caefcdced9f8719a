package tar

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/index"
)

func writeTestArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	w := tar.NewWriter(f)
	if err := w.WriteHeader(&tar.Header{Name: "dir/file.txt", Size: 11, Mode: 0o644}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestOpenListLookupRead(t *testing.T) {
	archivePath := writeTestArchive(t)
	src, err := Open(archivePath, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	entries, err := src.List("/dir")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "file.txt" {
		t.Fatalf("List(/dir) = %+v", entries)
	}

	root, err := src.List("/")
	if err != nil {
		t.Fatalf("List(/): %v", err)
	}
	if len(root) != 1 || root[0].Name != "dir" {
		t.Fatalf("List(/) should contain the synthesized 'dir' entry, got %+v", root)
	}

	info, ok, err := src.Lookup("/dir/file.txt", 0)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	fh, err := src.Open(info)
	if err != nil {
		t.Fatalf("Open(info): %v", err)
	}
	defer fh.Close()
	got, err := io.ReadAll(io.NewSectionReader(fh, 0, info.Size))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content = %q, want %q", got, "hello world")
	}
}

func TestLoneCompressedStream(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "notes.txt.gz")
	want := bytes.Repeat([]byte("remember the milk\n"), 100)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(want)
	zw.Close()
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := Open(archivePath, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	info, ok, err := src.Lookup("/notes.txt", 0)
	if err != nil || !ok {
		t.Fatalf("Lookup(/notes.txt): ok=%v err=%v", ok, err)
	}
	if info.Size != int64(len(want)) {
		t.Fatalf("Size = %d, want %d", info.Size, len(want))
	}
	fh, err := src.Open(info)
	if err != nil {
		t.Fatalf("Open(info): %v", err)
	}
	defer fh.Close()
	got, err := io.ReadAll(io.NewSectionReader(fh, 0, info.Size))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestRecursiveMountWithStrippedExtension(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "outer.tar")

	var inner bytes.Buffer
	iw := tar.NewWriter(&inner)
	iw.WriteHeader(&tar.Header{Name: "x", Size: 3, Mode: 0o644})
	iw.Write([]byte("abc"))
	iw.Close()

	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ow := tar.NewWriter(f)
	ow.WriteHeader(&tar.Header{Name: "nested.tar", Size: int64(inner.Len()), Mode: 0o644})
	ow.Write(inner.Bytes())
	ow.Close()
	f.Close()

	src, err := Open(archivePath, Options{Recursive: true, StripTarExtension: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	info, ok, err := src.Lookup("/nested/x", 0)
	if err != nil || !ok {
		t.Fatalf("Lookup(/nested/x): ok=%v err=%v", ok, err)
	}
	fh, err := src.Open(info)
	if err != nil {
		t.Fatalf("Open(info): %v", err)
	}
	defer fh.Close()
	got := make([]byte, 3)
	if _, err := fh.ReadAt(got, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("nested content = %q, want %q", got, "abc")
	}
}

func TestMismatchingBackendIsNotDeleted(t *testing.T) {
	archivePath := writeTestArchive(t)
	indexPath := archivePath + ".index.sqlite"

	foreign, err := index.Create(indexPath, "cpio")
	if err != nil {
		t.Fatalf("Create foreign index: %v", err)
	}
	if err := foreign.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	foreign.Close()

	_, err = Open(archivePath, Options{IndexPath: indexPath})
	if err == nil {
		t.Fatalf("expected a MismatchingIndex error")
	}
	if _, ok := err.(*errs.MismatchingIndex); !ok {
		t.Fatalf("error = %T (%v), want *errs.MismatchingIndex", err, err)
	}
	if _, statErr := os.Stat(indexPath); statErr != nil {
		t.Fatalf("a mismatching index must not be deleted: %v", statErr)
	}
}

func TestReopenReusesIndex(t *testing.T) {
	archivePath := writeTestArchive(t)
	indexPath := archivePath + ".index.sqlite"

	src1, err := Open(archivePath, Options{IndexPath: indexPath})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	src1.Close()

	if _, err := os.Stat(indexPath); err != nil {
		t.Fatalf("expected index file to exist: %v", err)
	}

	src2, err := Open(archivePath, Options{IndexPath: indexPath})
	if err != nil {
		t.Fatalf("second Open (reusing index): %v", err)
	}
	defer src2.Close()

	_, ok, err := src2.Lookup("/dir/file.txt", 0)
	if err != nil || !ok {
		t.Fatalf("Lookup after reopen: ok=%v err=%v", ok, err)
	}
}
