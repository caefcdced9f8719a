package sqliteblob

import (
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteReadAllRoundTrip(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(CreateTableSQL("blobs")); err != nil {
		t.Fatalf("create table: %v", err)
	}
	s := New(db, "blobs")

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := s.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("len = %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], data[i])
		}
	}
}

func TestFileReadsChunkedBlob(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(CreateTableSQL("blobs")); err != nil {
		t.Fatalf("create table: %v", err)
	}
	s := New(db, "blobs")
	data := []byte("the quick brown fox jumps over the lazy dog")
	if err := s.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := s.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", f.Size(), len(data))
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(f): %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 16)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:n]) != "fox j" {
		t.Fatalf("ReadAt(16) = %q, want %q", buf[:n], "fox j")
	}
}

func TestWriteOverwritesPreviousData(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(CreateTableSQL("blobs")); err != nil {
		t.Fatalf("create table: %v", err)
	}
	s := New(db, "blobs")
	if err := s.Write([]byte("first")); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := s.Write([]byte("second-longer")); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	got, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "second-longer" {
		t.Fatalf("got %q, want %q", got, "second-longer")
	}
}
