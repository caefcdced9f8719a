package fusefs

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	tarbackend "github.com/archivefs/archivefs/internal/backend/tar"
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
	if err := w.WriteHeader(&tar.Header{Name: "dir/link", Linkname: "file.txt", Typeflag: tar.TypeSymlink}); err != nil {
		t.Fatalf("header symlink: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestLookupReadDirReadFile(t *testing.T) {
	src, err := tarbackend.Open(writeTestArchive(t), tarbackend.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := New(src)
	defer fs.Destroy()

	ctx := context.Background()

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "dir"}
	if err := fs.LookUpInode(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode(dir): %v", err)
	}
	dirInode := lookup.Entry.Child

	readdir := &fuseops.ReadDirOp{Inode: dirInode, Dst: make([]byte, 4096)}
	if err := fs.ReadDir(ctx, readdir); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if readdir.BytesRead == 0 {
		t.Fatalf("ReadDir returned no entries")
	}

	lookupFile := &fuseops.LookUpInodeOp{Parent: dirInode, Name: "file.txt"}
	if err := fs.LookUpInode(ctx, lookupFile); err != nil {
		t.Fatalf("LookUpInode(file.txt): %v", err)
	}
	fileInode := lookupFile.Entry.Child
	if lookupFile.Entry.Attributes.Size != 11 {
		t.Fatalf("size = %d, want 11", lookupFile.Entry.Attributes.Size)
	}

	read := &fuseops.ReadFileOp{Inode: fileInode, Dst: make([]byte, 11)}
	if err := fs.ReadFile(ctx, read); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := string(read.Dst[:read.BytesRead]); got != "hello world" {
		t.Fatalf("content = %q", got)
	}

	lookupLink := &fuseops.LookUpInodeOp{Parent: dirInode, Name: "link"}
	if err := fs.LookUpInode(ctx, lookupLink); err != nil {
		t.Fatalf("LookUpInode(link): %v", err)
	}
	readlink := &fuseops.ReadSymlinkOp{Inode: lookupLink.Entry.Child}
	if err := fs.ReadSymlink(ctx, readlink); err != nil {
		t.Fatalf("ReadSymlink: %v", err)
	}
	if readlink.Target != "file.txt" {
		t.Fatalf("symlink target = %q", readlink.Target)
	}
}

func TestGetInodeAttributesRoot(t *testing.T) {
	src, err := tarbackend.Open(writeTestArchive(t), tarbackend.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := New(src)
	defer fs.Destroy()

	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.RootInodeID}
	if err := fs.GetInodeAttributes(context.Background(), op); err != nil {
		t.Fatalf("GetInodeAttributes(root): %v", err)
	}
	if !op.Attributes.Mode.IsDir() {
		t.Fatalf("root mode = %v, want a directory", op.Attributes.Mode)
	}
}
