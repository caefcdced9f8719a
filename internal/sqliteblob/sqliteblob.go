// Package sqliteblob stores large opaque byte blobs (compressed seek
// indexes, gzip dictionaries) as rows in a SQLite table, chunked so
// that no single row exceeds SQLite's practical BLOB size, and reads
// them back as a seekable stencil file. The table shape is one BLOB
// column with rowid ordering; it is part of the on-disk index format.
package sqliteblob

import (
	"database/sql"
	"fmt"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/stencil"
)

// DefaultChunkSize is the blob chunk size used when writing: 256 MiB,
// comfortably under SQLite's 1 GiB row cap while still keeping chunk
// counts low for multi-gigabyte seek indexes.
const DefaultChunkSize = 256 << 20

// Store reads and writes chunked blob rows in a single table.
//
//	CREATE TABLE <table> (data BLOB NOT NULL)
//
// Chunks are ordered by SQLite's implicit rowid.
type Store struct {
	db    *sql.DB
	table string
}

// New wraps db for reading/writing the named blob table. The caller is
// responsible for having created the table (see CreateTableSQL).
func New(db *sql.DB, table string) *Store {
	return &Store{db: db, table: table}
}

// CreateTableSQL returns the DDL for a blob table named table.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (data BLOB NOT NULL)`, table)
}

// Write splits data into DefaultChunkSize-sized rows and inserts them
// in order, replacing any existing rows. It is forward-only: there is
// no update-in-place API, matching the write-once nature of a
// finalized seek index.
func (s *Store) Write(data []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &errs.Operational{Op: "sqliteblob: begin", Err: err}
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM "%s"`, s.table)); err != nil {
		tx.Rollback()
		return &errs.Operational{Op: "sqliteblob: clear", Err: err}
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO "%s" (data) VALUES (?)`, s.table))
	if err != nil {
		tx.Rollback()
		return &errs.Operational{Op: "sqliteblob: prepare", Err: err}
	}
	defer stmt.Close()

	for off := 0; off < len(data); off += DefaultChunkSize {
		end := off + DefaultChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := stmt.Exec(data[off:end]); err != nil {
			tx.Rollback()
			return &errs.Operational{Op: "sqliteblob: insert chunk", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &errs.Operational{Op: "sqliteblob: commit", Err: err}
	}
	return nil
}

// ReadAll concatenates every chunk, in rowid order, into one buffer.
// Used for seek indexes, which are read back once in full rather than
// streamed (unlike file content, which goes through File below).
func (s *Store) ReadAll() ([]byte, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT data FROM "%s" ORDER BY rowid ASC`, s.table))
	if err != nil {
		return nil, &errs.Operational{Op: "sqliteblob: query", Err: err}
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, &errs.Operational{Op: "sqliteblob: scan", Err: err}
		}
		out = append(out, chunk...)
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.Operational{Op: "sqliteblob: rows", Err: err}
	}
	return out, nil
}

// File opens the blob as a seekable stencil file without loading it
// into memory first: the chunk boundaries become stencil cut-outs read
// lazily through SELECT substr(...) queries (SQLite substr is
// 1-indexed), mirroring how a SQLite column is read for file content
// in the TAR backend.
func (s *Store) File() (*stencil.LambdaReaderFile, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT rowid, length(data) FROM "%s" ORDER BY rowid ASC`, s.table))
	if err != nil {
		return nil, &errs.Operational{Op: "sqliteblob: query sizes", Err: err}
	}
	defer rows.Close()

	type chunk struct {
		rowid int64
		size  int64
	}
	var chunks []chunk
	var total int64
	for rows.Next() {
		var c chunk
		if err := rows.Scan(&c.rowid, &c.size); err != nil {
			return nil, &errs.Operational{Op: "sqliteblob: scan sizes", Err: err}
		}
		chunks = append(chunks, c)
		total += c.size
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.Operational{Op: "sqliteblob: rows", Err: err}
	}

	pread := func(offset, size int64) ([]byte, error) {
		out := make([]byte, 0, size)
		remaining := size
		pos := offset
		for _, c := range chunks {
			if remaining <= 0 {
				break
			}
			if pos >= c.size {
				pos -= c.size
				continue
			}
			want := c.size - pos
			if want > remaining {
				want = remaining
			}
			var part []byte
			row := s.db.QueryRow(fmt.Sprintf(`SELECT substr(data, ?, ?) FROM "%s" WHERE rowid = ?`, s.table), pos+1, want, c.rowid)
			if err := row.Scan(&part); err != nil {
				return nil, &errs.Operational{Op: "sqliteblob: substr", Err: err}
			}
			out = append(out, part...)
			remaining -= want
			pos = 0
		}
		return out, nil
	}
	return stencil.NewLambdaReaderFile(total, pread), nil
}
