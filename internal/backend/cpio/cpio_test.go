package cpio

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/go-cpio"
)

func writeTestArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.cpio")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	w := cpio.NewWriter(f)
	if err := w.WriteHeader(&cpio.Header{Name: "dir", Mode: cpio.ModeDir | 0o755}); err != nil {
		t.Fatalf("header dir: %v", err)
	}
	if err := w.WriteHeader(&cpio.Header{Name: "dir/file.txt", Mode: cpio.FileMode(0o644), Size: 11}); err != nil {
		t.Fatalf("header file: %v", err)
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
