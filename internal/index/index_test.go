package index

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestBuildFinalizeLookupVersions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.index.sqlite")

	idx, err := Create(path, "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rows := []Entry{
		{Path: "/foo", Name: "bar", OffsetHeader: nullInt(0), OffsetData: 512, Size: 200, Mtime: 1000, Mode: 0o644},
		{Path: "/foo", Name: "bar", OffsetHeader: nullInt(1024), OffsetData: 1536, Size: 300, Mtime: 1001, Mode: 0o600},
	}
	if err := idx.InsertBatch(rows); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	n, err := idx.Versions("/foo", "bar")
	if err != nil || n != 2 {
		t.Fatalf("Versions = %d, %v, want 2", n, err)
	}
	latest, ok, err := idx.Lookup("/foo", "bar", 0)
	if err != nil || !ok || latest.Size != 300 {
		t.Fatalf("Lookup(v=0) = %+v, ok=%v, err=%v, want size 300", latest, ok, err)
	}
	oldest, ok, err := idx.Lookup("/foo", "bar", 1)
	if err != nil || !ok || oldest.Size != 200 {
		t.Fatalf("Lookup(v=1) = %+v, ok=%v, err=%v, want size 200", oldest, ok, err)
	}

	entries, err := idx.List("/foo")
	if err != nil || len(entries) != 2 {
		t.Fatalf("List = %v, %v, want 2 entries", entries, err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, "tar")
	if err != nil {
		t.Fatalf("Open after finalize: %v", err)
	}
	defer reopened.Close()
	n2, err := reopened.Versions("/foo", "bar")
	if err != nil || n2 != 2 {
		t.Fatalf("reopened Versions = %d, %v", n2, err)
	}
}

func TestFinalizeSynthesizesParentDirectories(t *testing.T) {
	idx, err := Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	if err := idx.InsertBatch([]Entry{
		{Path: "/a/b", Name: "c.txt", OffsetHeader: nullInt(0), OffsetData: 512, Size: 10, Mode: 0o644},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	for _, dir := range []struct{ path, name string }{
		{"/", "a"},
		{"/a", "b"},
	} {
		entry, ok, err := idx.Lookup(dir.path, dir.name, 0)
		if err != nil || !ok {
			t.Fatalf("expected synthesized parent %s/%s, ok=%v err=%v", dir.path, dir.name, ok, err)
		}
		if !entry.IsGenerated {
			t.Fatalf("%s/%s should be marked is_generated", dir.path, dir.name)
		}
		if entry.Mode&S_IFDIR == 0 {
			t.Fatalf("%s/%s should have the directory mode bit set", dir.path, dir.name)
		}
	}
}

func TestOpenRejectsUnfinalizedIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.index.sqlite")

	idx, err := Create(path, "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.InsertBatch([]Entry{{Path: "/", Name: "f", OffsetHeader: nullInt(0), OffsetData: 0, Size: 0, Mode: 0o644}}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	idx.Close()

	_, err = Open(path, "tar")
	if err == nil {
		t.Fatalf("expected Open to reject an unfinalized index (filestmp/parentfolders still present)")
	}
}

func TestOpenRejectsMismatchingBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.index.sqlite")

	idx, err := Create(path, "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	idx.Close()

	_, err = Open(path, "squashfs")
	if err == nil {
		t.Fatalf("expected Open to reject a backend-name mismatch")
	}
}

func TestMigrateToDisk(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "migrated.index.sqlite")

	idx, err := Create("", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	if err := idx.InsertBatch([]Entry{
		{Path: "/", Name: "f", OffsetHeader: nullInt(0), OffsetData: 512, Size: 3, Mode: 0o644},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := idx.MigrateTo(target); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}
	if idx.Path() != target {
		t.Fatalf("Path = %q, want %q", idx.Path(), target)
	}
	// The build continues on the migrated connection.
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize after migrate: %v", err)
	}
	if _, ok, err := idx.Lookup("/", "f", 0); err != nil || !ok {
		t.Fatalf("Lookup after migrate: ok=%v err=%v", ok, err)
	}
}

func TestEntryByPosition(t *testing.T) {
	idx, err := Create(":memory:", "tar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer idx.Close()

	if err := idx.InsertBatch([]Entry{
		{Path: "/d", Name: "a", OffsetHeader: nullInt(0), OffsetData: 512, Size: 1, Mode: 0o644},
		{Path: "/d", Name: "b", OffsetHeader: nullInt(1024), OffsetData: 1536, Size: 2, Mode: 0o644},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := idx.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	n, err := idx.NonGeneratedRowCount()
	if err != nil || n != 2 {
		t.Fatalf("NonGeneratedRowCount = %d, %v, want 2", n, err)
	}
	for pos := int64(0); pos < n; pos++ {
		e, ok, err := idx.EntryByPosition(pos)
		if err != nil || !ok {
			t.Fatalf("EntryByPosition(%d): ok=%v err=%v", pos, ok, err)
		}
		if e.IsGenerated {
			t.Fatalf("EntryByPosition(%d) returned a generated row", pos)
		}
	}
	if _, ok, _ := idx.EntryByPosition(n); ok {
		t.Fatalf("position past the end should report ok=false")
	}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}
