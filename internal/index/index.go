// Package index implements the persistent SQLite metadata index:
// schema ownership, validation on open, batched building, finalization
// and lookup.
package index

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/archivefs/archivefs/errs"
	"github.com/archivefs/archivefs/internal/pathnorm"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one files-table row.
type Entry struct {
	Path           string
	Name           string
	OffsetHeader   sql.NullInt64
	OffsetData     int64
	Size           int64
	Mtime          float64
	Mode           uint32
	TypeRaw        int
	Linkname       string
	UID, GID       int
	IsTar          bool
	IsSparse       bool
	IsGenerated    bool
	RecursionDepth int
}

// S_IFDIR is the directory bit of st_mode, used when synthesizing
// parent directory rows.
const S_IFDIR = 0o40000

// Index owns one SQLite connection and the files/xattr/metadata/
// versions tables within it.
type Index struct {
	db          *sql.DB
	path        string // "" for :memory:
	backendName string

	parentLRU *lru.Cache // 16-entry, de-duplicates repeated parentfolders inserts
	building  bool
}

// Open validates an existing index file at path for backendName and
// returns it read-only-ready, or an *errs.InvalidIndex /
// *errs.MismatchingIndex describing why it cannot be reused.
func Open(path, backendName string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &errs.InvalidIndex{Path: path, Reason: err.Error()}
	}
	db.SetMaxOpenConns(1)
	idx := &Index{db: db, path: path, backendName: backendName}
	if err := idx.validate(backendName); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// validate checks, in order: bugged bzip2blocks rows, presence of
// filestmp/parentfolders, schema minor version, then backend name
// match.
func (idx *Index) validate(backendName string) error {
	if idx.tableExists("bzip2blocks") && !idx.tableExists("versions") {
		return &errs.InvalidIndex{Path: idx.path, Reason: "bugged bzip2blocks table from an index built before the versions table existed"}
	}
	if !idx.tableExists("files") {
		return &errs.InvalidIndex{Path: idx.path, Reason: "missing files table"}
	}
	if idx.tableExists("filestmp") || idx.tableExists("parentfolders") {
		return &errs.InvalidIndex{Path: idx.path, Reason: "leftover build-time temp tables, build was not finalized"}
	}
	minor, ok := idx.versionMinor()
	if !ok || minor < minSupportedMinor {
		return &errs.InvalidIndex{Path: idx.path, Reason: "schema older than the sparse-aware format"}
	}
	if minor != schemaMinor {
		log.Printf("index %s carries schema minor %d (current is %d); using it anyway", idx.path, minor, schemaMinor)
	}
	have, ok := idx.metadataValue("backendName")
	if ok && have != backendName {
		return &errs.MismatchingIndex{Path: idx.path, Have: have, Expected: backendName}
	}
	return nil
}

func (idx *Index) tableExists(name string) bool {
	var n int
	row := idx.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, name)
	if err := row.Scan(&n); err != nil {
		return false
	}
	return n > 0
}

func (idx *Index) versionMinor() (int, bool) {
	var minor int
	row := idx.db.QueryRow(`SELECT minor FROM versions WHERE name = 'index'`)
	if err := row.Scan(&minor); err != nil {
		return 0, false
	}
	return minor, true
}

func (idx *Index) metadataValue(key string) (string, bool) {
	var v string
	row := idx.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key)
	if err := row.Scan(&v); err != nil {
		return "", false
	}
	return v, true
}

// Create opens a fresh writable index at path (path == "" or ":memory:"
// builds in memory) and installs the final schema plus the temporary
// build tables filestmp/parentfolders.
func Create(path, backendName string) (*Index, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &errs.Operational{Op: "index: create", Err: err}
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, &errs.Operational{Op: "index: pragma", Err: err}
		}
	}
	for _, stmt := range createStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, &errs.Operational{Op: "index: create schema", Err: err}
		}
	}
	if _, err := db.Exec(createFilesTmp); err != nil {
		db.Close()
		return nil, &errs.Operational{Op: "index: create filestmp", Err: err}
	}
	if _, err := db.Exec(createParentFolders); err != nil {
		db.Close()
		return nil, &errs.Operational{Op: "index: create parentfolders", Err: err}
	}
	c, _ := lru.New(16)
	idx := &Index{db: db, path: path, backendName: backendName, parentLRU: c, building: true}
	if err := idx.setMetadata("backendName", backendName); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.writeVersion("index", fmt.Sprintf("%d.%d.%d", schemaMajor, schemaMinor, schemaPatch), schemaMajor, schemaMinor, schemaPatch); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) setMetadata(key, value string) error {
	_, err := idx.db.Exec(`INSERT OR REPLACE INTO metadata(key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return &errs.Operational{Op: "index: set metadata", Err: err}
	}
	return nil
}

func (idx *Index) writeVersion(name, version string, major, minor, patch int) error {
	_, err := idx.db.Exec(`INSERT OR REPLACE INTO versions(name, version, major, minor, patch) VALUES (?, ?, ?, ?, ?)`,
		name, version, major, minor, patch)
	if err != nil {
		return &errs.Operational{Op: "index: write version", Err: err}
	}
	return nil
}

// SetTarStats and SetArguments record free-form metadata key/value
// pairs alongside the files table.
func (idx *Index) SetTarStats(json string) error  { return idx.setMetadata("tarstats", json) }
func (idx *Index) SetArguments(json string) error { return idx.setMetadata("arguments", json) }
func (idx *Index) SetGnuIncremental(v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return idx.setMetadata("isGnuIncremental", val)
}

// InsertBatch appends rows to filestmp and maintains parentfolders,
// to be called in batches of >= 1000 while iterating the backend's
// member stream.
func (idx *Index) InsertBatch(rows []Entry) error {
	if !idx.building {
		return errs.IndexNotOpen
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return &errs.Operational{Op: "index: begin batch", Err: err}
	}
	stmt, err := tx.Prepare(`INSERT INTO filestmp
		(path, name, offsetheader, offset, size, mtime, mode, type, linkname, uid, gid, istar, issparse, isgenerated, recursiondepth)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return &errs.Operational{Op: "index: prepare batch", Err: err}
	}
	defer stmt.Close()

	pf, err := tx.Prepare(`INSERT OR IGNORE INTO parentfolders(path, name, offsetheader, offset) VALUES (?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return &errs.Operational{Op: "index: prepare parentfolders", Err: err}
	}
	defer pf.Close()

	for _, e := range rows {
		if _, err := stmt.Exec(e.Path, e.Name, e.OffsetHeader, e.OffsetData, e.Size, e.Mtime, e.Mode, e.TypeRaw,
			e.Linkname, e.UID, e.GID, boolInt(e.IsTar), boolInt(e.IsSparse), boolInt(e.IsGenerated), e.RecursionDepth); err != nil {
			tx.Rollback()
			return &errs.Operational{Op: "index: insert row", Err: err}
		}
		if err := idx.insertParentChain(pf, e); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return &errs.Operational{Op: "index: commit batch", Err: err}
	}
	return nil
}

// insertParentChain inserts every prefix of e.Path into parentfolders,
// skipping prefixes the 16-entry LRU has already seen (sibling files
// under the same directory hit the cache, so a 10000-file flat
// directory only costs one real INSERT).
func (idx *Index) insertParentChain(stmt *sql.Stmt, e Entry) error {
	full := pathnorm.Join(e.Path, e.Name)
	parts := splitComponents(full)
	prefix := ""
	for i := 0; i < len(parts)-1; i++ {
		parent := prefix
		if parent == "" {
			parent = "/"
		}
		component := parts[i]
		key := parent + "\x00" + component
		if idx.parentLRU != nil {
			if _, ok := idx.parentLRU.Get(key); ok {
				prefix = pathnorm.Join(parent, component)
				continue
			}
			idx.parentLRU.Add(key, struct{}{})
		}
		if _, err := stmt.Exec(parent, component, e.OffsetHeader, e.OffsetData); err != nil {
			return &errs.Operational{Op: "index: insert parentfolders", Err: err}
		}
		prefix = pathnorm.Join(parent, component)
	}
	return nil
}

func splitComponents(full string) []string {
	var parts []string
	cur := ""
	for _, r := range full {
		if r == '/' {
			if cur != "" {
				parts = append(parts, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Finalize runs the four finishing steps: move filestmp into
// files, drop filestmp, synthesize missing parent directories from
// parentfolders, drop parentfolders, VACUUM, PRAGMA optimize.
func (idx *Index) Finalize() error {
	if !idx.building {
		return errs.IndexNotOpen
	}
	if _, err := idx.db.Exec(`INSERT OR REPLACE INTO files SELECT * FROM filestmp ORDER BY path, name, rowid`); err != nil {
		return &errs.Operational{Op: "index: finalize move", Err: err}
	}
	if _, err := idx.db.Exec(`DROP TABLE filestmp`); err != nil {
		return &errs.Operational{Op: "index: drop filestmp", Err: err}
	}
	// Membership test uses string concatenation of (path,name) rather
	// than a tuple IN, since that form is portable across SQLite
	// versions regardless of row-value support.
	const synth = `
		INSERT OR IGNORE INTO files (path, name, offsetheader, offset, size, mtime, mode, type, linkname, uid, gid, istar, issparse, isgenerated, recursiondepth)
		SELECT pf.path, pf.name, pf.offsetheader, pf.offset, 0, 0.0, ?, 0, '', 0, 0, 0, 0, 1, 0
		FROM parentfolders pf
		WHERE (pf.path || char(0) || pf.name) NOT IN (
			SELECT f.path || char(0) || f.name FROM files f WHERE (f.mode & ?) != 0
		)`
	if _, err := idx.db.Exec(synth, uint32(0o555|S_IFDIR), S_IFDIR); err != nil {
		return &errs.Operational{Op: "index: synthesize parents", Err: err}
	}
	if _, err := idx.db.Exec(`DROP TABLE parentfolders`); err != nil {
		return &errs.Operational{Op: "index: drop parentfolders", Err: err}
	}
	if _, err := idx.db.Exec(`VACUUM`); err != nil {
		return &errs.Operational{Op: "index: vacuum", Err: err}
	}
	if _, err := idx.db.Exec(`PRAGMA optimize`); err != nil {
		return &errs.Operational{Op: "index: optimize", Err: err}
	}
	idx.building = false
	return nil
}

// List returns every row whose path equals dir, ordered by
// offsetheader ascending (insertion order in the archive).
func (idx *Index) List(dir string) ([]Entry, error) {
	rows, err := idx.db.Query(`SELECT path,name,offsetheader,offset,size,mtime,mode,type,linkname,uid,gid,istar,issparse,isgenerated,recursiondepth
		FROM files WHERE path = ? ORDER BY offsetheader ASC`, dir)
	if err != nil {
		return nil, &errs.Operational{Op: "index: list", Err: err}
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Lookup resolves version v of path+name (v=0 is the newest, negative
// counts back from the newest, positive counts forward from the
// oldest), via ORDER BY offsetheader with LIMIT 1 OFFSET.
func (idx *Index) Lookup(path, name string, v int) (Entry, bool, error) {
	order := "DESC"
	offset := v
	if v < 0 {
		offset = -v
	} else if v > 0 {
		order = "ASC"
		offset = v - 1
	}
	q := fmt.Sprintf(`SELECT path,name,offsetheader,offset,size,mtime,mode,type,linkname,uid,gid,istar,issparse,isgenerated,recursiondepth
		FROM files WHERE path = ? AND name = ? ORDER BY offsetheader %s LIMIT 1 OFFSET ?`, order)
	rows, err := idx.db.Query(q, path, name, offset)
	if err != nil {
		return Entry{}, false, &errs.Operational{Op: "index: lookup", Err: err}
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Versions reports how many rows share path+name.
func (idx *Index) Versions(path, name string) (int, error) {
	var n int
	row := idx.db.QueryRow(`SELECT count(*) FROM files WHERE path = ? AND name = ?`, path, name)
	if err := row.Scan(&n); err != nil {
		return 0, &errs.Operational{Op: "index: versions", Err: err}
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var isTar, isSparse, isGenerated int
		if err := rows.Scan(&e.Path, &e.Name, &e.OffsetHeader, &e.OffsetData, &e.Size, &e.Mtime, &e.Mode, &e.TypeRaw,
			&e.Linkname, &e.UID, &e.GID, &isTar, &isSparse, &isGenerated, &e.RecursionDepth); err != nil {
			return nil, &errs.Operational{Op: "index: scan", Err: err}
		}
		e.IsTar, e.IsSparse, e.IsGenerated = isTar != 0, isSparse != 0, isGenerated != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.Operational{Op: "index: rows", Err: err}
	}
	return out, nil
}

// EntryByPosition returns the pos-th non-generated row in rowid order,
// used by append detection to spot-check a sample of existing rows
// against the archive's current bytes.
func (idx *Index) EntryByPosition(pos int64) (Entry, bool, error) {
	rows, err := idx.db.Query(`SELECT path,name,offsetheader,offset,size,mtime,mode,type,linkname,uid,gid,istar,issparse,isgenerated,recursiondepth
		FROM files WHERE isgenerated = 0 ORDER BY rowid LIMIT 1 OFFSET ?`, pos)
	if err != nil {
		return Entry{}, false, &errs.Operational{Op: "index: entry by position", Err: err}
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// NonGeneratedRowCount counts the rows that came from real archive
// members (excluding synthesized parent directories).
func (idx *Index) NonGeneratedRowCount() (int64, error) {
	var n int64
	row := idx.db.QueryRow(`SELECT count(*) FROM files WHERE isgenerated = 0`)
	if err := row.Scan(&n); err != nil {
		return 0, &errs.Operational{Op: "index: non-generated row count", Err: err}
	}
	return n, nil
}

// PutXattr records one extended attribute for the member whose header
// is at offsetHeader, going through the xattrs view's insert trigger.
func (idx *Index) PutXattr(offsetHeader int64, key string, value []byte) error {
	_, err := idx.db.Exec(`INSERT INTO xattrs(offsetheader, key, value) VALUES (?, ?, ?)`, offsetHeader, key, value)
	if err != nil {
		return &errs.Operational{Op: "index: put xattr", Err: err}
	}
	return nil
}

// ListXattr returns the xattr keys recorded for offsetHeader.
func (idx *Index) ListXattr(offsetHeader int64) ([]string, error) {
	rows, err := idx.db.Query(`SELECT key FROM xattrs WHERE offsetheader = ?`, offsetHeader)
	if err != nil {
		return nil, &errs.Operational{Op: "index: list xattr", Err: err}
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &errs.Operational{Op: "index: scan xattr", Err: err}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetXattr returns the value for one xattr key on offsetHeader.
func (idx *Index) GetXattr(offsetHeader int64, key string) ([]byte, bool, error) {
	var v []byte
	row := idx.db.QueryRow(`SELECT value FROM xattrs WHERE offsetheader = ? AND key = ?`, offsetHeader, key)
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &errs.Operational{Op: "index: get xattr", Err: err}
	}
	return v, true, nil
}

// Metadata returns the stored value for key, if any.
func (idx *Index) Metadata(key string) (string, bool) { return idx.metadataValue(key) }

// SetMetadata records one free-form key/value pair.
func (idx *Index) SetMetadata(key, value string) error { return idx.setMetadata(key, value) }

// MemoryRowThreshold is the files-table row count above which an
// in-memory index is worth migrating to disk: past this point the
// per-row memory cost dominates and rebuild time stops being trivial.
const MemoryRowThreshold = 100000

// MigrateTo copies the current (possibly in-memory) database to a
// fresh SQLite file at path and swaps the connection over to it,
// preserving build state. Used when an in-memory build outgrows
// MemoryRowThreshold, and before persisting compression seek indexes,
// which can be too large to hold in memory alongside the rows.
func (idx *Index) MigrateTo(path string) error {
	if _, err := idx.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return &errs.Operational{Op: "index: vacuum into", Err: err}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return &errs.Operational{Op: "index: reopen migrated", Err: err}
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return &errs.Operational{Op: "index: pragma migrated", Err: err}
		}
	}
	idx.db.Close()
	idx.db = db
	idx.path = path
	return nil
}

// ReopenReadOnly closes the writable connection used during the build
// and reopens the same file with mode=ro, so concurrent FUSE readers
// only ever see a connection that cannot mutate the index. In-memory
// indexes stay as they are (reopening would discard them).
func (idx *Index) ReopenReadOnly() error {
	if idx.path == "" || idx.path == ":memory:" {
		return nil
	}
	if err := idx.db.Close(); err != nil {
		return &errs.Operational{Op: "index: close for reopen", Err: err}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", idx.path))
	if err != nil {
		return &errs.Operational{Op: "index: reopen read-only", Err: err}
	}
	idx.db = db
	return nil
}

// DB exposes the underlying connection for backends that need to
// store a compression seek table (internal/sqliteblob) alongside the
// files table in the same SQLite file.
func (idx *Index) DB() *sql.DB { return idx.db }

// Path reports the index file's location, or "" for an in-memory index.
func (idx *Index) Path() string { return idx.path }

// RowCount returns len(files), used to decide whether an in-memory
// index should be migrated to disk.
func (idx *Index) RowCount() (int64, error) {
	var n int64
	row := idx.db.QueryRow(`SELECT count(*) FROM files`)
	if err := row.Scan(&n); err != nil {
		return 0, &errs.Operational{Op: "index: row count", Err: err}
	}
	return n, nil
}

// Close releases the connection.
func (idx *Index) Close() error { return idx.db.Close() }

// Now returns the current time, for build timestamps in metadata.
func Now() time.Time { return time.Now() }
