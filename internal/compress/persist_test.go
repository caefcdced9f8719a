package compress

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"io"
	"testing"

	"github.com/archivefs/archivefs/internal/probe"

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

func gzipPayload(t *testing.T, want []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(want)
	zw.Close()
	return buf.Bytes()
}

func TestSaveLoadGzipSeekIndex(t *testing.T) {
	want := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	compressed := gzipPayload(t, want)

	dec, err := Open(probe.FormatGzip, bytes.NewReader(compressed), int64(len(compressed)), Options{FileBacked: true, SeekSpacing: 4096})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dec.Close()
	if _, err := io.Copy(io.Discard, io.NewSectionReader(dec, 0, int64(len(want)))); err != nil {
		t.Fatalf("full decode: %v", err)
	}
	points := dec.(IndexedDecoder).Checkpoints()
	if len(points) < 2 {
		t.Fatalf("expected multiple checkpoints after a full decode, got %d", len(points))
	}

	db := openMemDB(t)
	if err := SaveSeekIndex(db, probe.FormatGzip, dec); err != nil {
		t.Fatalf("SaveSeekIndex: %v", err)
	}

	dec2, err := Open(probe.FormatGzip, bytes.NewReader(compressed), int64(len(compressed)), Options{FileBacked: true, SeekSpacing: 4096})
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer dec2.Close()
	if err := LoadSeekIndex(db, probe.FormatGzip, dec2); err != nil {
		t.Fatalf("LoadSeekIndex: %v", err)
	}
	got := dec2.(IndexedDecoder).Checkpoints()
	if len(got) != len(points) {
		t.Fatalf("imported %d checkpoints, want %d", len(got), len(points))
	}
	for i := range points {
		if got[i] != points[i] {
			t.Fatalf("checkpoint %d = %+v, want %+v", i, got[i], points[i])
		}
	}

	// The imported index must still produce correct bytes on a seek.
	buf := make([]byte, 16)
	off := int64(len(want) / 2)
	if _, err := dec2.ReadAt(buf, off); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, want[off:off+16]) {
		t.Fatalf("seeked read mismatch at %d", off)
	}
}

func TestSaveLoadBlockTable(t *testing.T) {
	db := openMemDB(t)
	points := []Checkpoint{{0, 0}, {100, 5000}, {220, 10000}}

	if err := saveBlockTable(db, zstdBlocksTable, points); err != nil {
		t.Fatalf("saveBlockTable: %v", err)
	}

	d := &seekableDecoder{}
	if err := loadBlockTable(db, zstdBlocksTable, d); err != nil {
		t.Fatalf("loadBlockTable: %v", err)
	}
	got := d.Checkpoints()
	if len(got) != len(points) {
		t.Fatalf("got %d checkpoints, want %d", len(got), len(points))
	}
	for i := range points {
		if got[i] != points[i] {
			t.Fatalf("checkpoint %d = %+v, want %+v", i, got[i], points[i])
		}
	}
}

func TestLoadSeekIndexMissingTableIsNoOp(t *testing.T) {
	db := openMemDB(t)
	d := &seekableDecoder{}
	if err := loadBlockTable(db, bzip2BlocksTable, d); err != nil {
		t.Fatalf("expected missing table to be a no-op, got %v", err)
	}
	if len(d.Checkpoints()) != 0 {
		t.Fatalf("expected no checkpoints")
	}
}

func TestDropSeekTables(t *testing.T) {
	db := openMemDB(t)
	if err := saveBlockTable(db, bzip2BlocksTable, []Checkpoint{{0, 0}}); err != nil {
		t.Fatalf("saveBlockTable: %v", err)
	}
	if err := DropSeekTables(db); err != nil {
		t.Fatalf("DropSeekTables: %v", err)
	}
	if tableExists(db, bzip2BlocksTable) {
		t.Fatalf("expected bzip2blocks to be gone")
	}
}
