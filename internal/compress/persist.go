package compress

import (
	"database/sql"
	"fmt"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/probe"
	"github.com/archivefs/archivefs/internal/sqliteblob"
)

// Seek indexes are persisted into the same SQLite file as the files
// table, one table per compression format. The table shapes are part
// of the on-disk index format and must not change:
//
//	bzip2blocks (blockoffset INTEGER PRIMARY KEY, dataoffset INTEGER)
//	zstdblocks  (blockoffset INTEGER PRIMARY KEY, dataoffset INTEGER)
//	gzipindexes (data BLOB), ordered by rowid
//
// xz streams carry their own end-of-stream index and persist nothing.
const (
	bzip2BlocksTable = "bzip2blocks"
	zstdBlocksTable  = "zstdblocks"
	gzipIndexTable   = "gzipindexes"
)

const createBlockTable = `CREATE TABLE IF NOT EXISTS %s (blockoffset INTEGER PRIMARY KEY, dataoffset INTEGER)`

// SeekTableNames lists every table a seek index may occupy, for callers
// that need to wipe them wholesale (append detection invalidates all
// recorded compressed offsets).
var SeekTableNames = []string{bzip2BlocksTable, zstdBlocksTable, gzipIndexTable, "gzipindex", "gztoolindex"}

// SaveSeekIndex persists dec's seek index into db under the table
// matching format. Decoders that do not implement IndexedDecoder, the
// xz format (which has no seek table) and unknown formats are a no-op.
func SaveSeekIndex(db *sql.DB, format probe.Format, dec Decoder) error {
	id, ok := dec.(IndexedDecoder)
	if !ok {
		return nil
	}
	switch format {
	case probe.FormatBzip2:
		return saveBlockTable(db, bzip2BlocksTable, id.Checkpoints())
	case probe.FormatZstd:
		return saveBlockTable(db, zstdBlocksTable, id.Checkpoints())
	case probe.FormatGzip:
		store := sqliteblob.New(db, gzipIndexTable)
		if _, err := db.Exec(sqliteblob.CreateTableSQL(gzipIndexTable)); err != nil {
			return &errs.Operational{Op: "compress: create gzipindexes", Err: err}
		}
		return store.Write(id.ExportIndex())
	default:
		return nil
	}
}

// LoadSeekIndex imports a previously saved seek index from db into dec,
// before any reads are issued. A missing table is not an error: the
// index was simply never saved (or was wiped by append detection), and
// the decoder falls back to decoding from byte zero.
func LoadSeekIndex(db *sql.DB, format probe.Format, dec Decoder) error {
	id, ok := dec.(IndexedDecoder)
	if !ok {
		return nil
	}
	switch format {
	case probe.FormatBzip2:
		return loadBlockTable(db, bzip2BlocksTable, id)
	case probe.FormatZstd:
		return loadBlockTable(db, zstdBlocksTable, id)
	case probe.FormatGzip:
		// Older indexes stored the whole gzip index as a single blob in
		// "gzipindex"; both shapes read back identically through the
		// rowid-ordered blob store.
		table := gzipIndexTable
		if !tableExists(db, table) {
			table = "gzipindex"
			if !tableExists(db, table) {
				return nil
			}
		}
		data, err := sqliteblob.New(db, table).ReadAll()
		if err != nil {
			return err
		}
		id.ImportIndex(data)
		return nil
	default:
		return nil
	}
}

// DropSeekTables removes every persisted seek index from db. Used when
// an archive grew in place: the recorded compressed offsets no longer
// line up with the file and must be rebuilt from scratch.
func DropSeekTables(db *sql.DB) error {
	for _, t := range SeekTableNames {
		if _, err := db.Exec(`DROP TABLE IF EXISTS ` + t); err != nil {
			return &errs.Operational{Op: "compress: drop seek table", Err: err}
		}
	}
	return nil
}

func saveBlockTable(db *sql.DB, table string, points []Checkpoint) error {
	if _, err := db.Exec(fmt.Sprintf(createBlockTable, table)); err != nil {
		return &errs.Operational{Op: "compress: create block table", Err: err}
	}
	tx, err := db.Begin()
	if err != nil {
		return &errs.Operational{Op: "compress: begin block table", Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
		tx.Rollback()
		return &errs.Operational{Op: "compress: clear block table", Err: err}
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO ` + table + ` (blockoffset, dataoffset) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return &errs.Operational{Op: "compress: prepare block table", Err: err}
	}
	defer stmt.Close()
	for _, c := range points {
		if _, err := stmt.Exec(c.CompressedOffset, c.UncompressedOffset); err != nil {
			tx.Rollback()
			return &errs.Operational{Op: "compress: insert block offset", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &errs.Operational{Op: "compress: commit block table", Err: err}
	}
	return nil
}

func loadBlockTable(db *sql.DB, table string, id IndexedDecoder) error {
	if !tableExists(db, table) {
		return nil
	}
	rows, err := db.Query(`SELECT blockoffset, dataoffset FROM ` + table + ` ORDER BY dataoffset ASC`)
	if err != nil {
		return &errs.Operational{Op: "compress: query block table", Err: err}
	}
	defer rows.Close()
	var points []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.CompressedOffset, &c.UncompressedOffset); err != nil {
			return &errs.Operational{Op: "compress: scan block offset", Err: err}
		}
		points = append(points, c)
	}
	if err := rows.Err(); err != nil {
		return &errs.Operational{Op: "compress: block table rows", Err: err}
	}
	id.SetCheckpoints(points)
	return nil
}

func tableExists(db *sql.DB, name string) bool {
	var n int
	row := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	if err := row.Scan(&n); err != nil {
		return false
	}
	return n > 0
}
