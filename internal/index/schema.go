package index

// The index schema version is written to versions(name='index') on
// every finalized build. Indexes back to minor 2 (the first
// sparse-aware layout) are still readable; anything older is rebuilt.
const (
	schemaMajor = 0
	schemaMinor = 7
	schemaPatch = 0

	minSupportedMinor = 2
)

// The files-table column names are part of the on-disk index format
// and must not change.
const createFiles = `
CREATE TABLE IF NOT EXISTS files (
	path           TEXT NOT NULL,
	name           TEXT NOT NULL,
	offsetheader   INTEGER,
	offset         INTEGER NOT NULL,
	size           INTEGER NOT NULL,
	mtime          REAL NOT NULL,
	mode           INTEGER NOT NULL,
	type           INTEGER NOT NULL DEFAULT 0,
	linkname       TEXT NOT NULL DEFAULT '',
	uid            INTEGER NOT NULL DEFAULT 0,
	gid            INTEGER NOT NULL DEFAULT 0,
	istar          INTEGER NOT NULL DEFAULT 0,
	issparse       INTEGER NOT NULL DEFAULT 0,
	isgenerated    INTEGER NOT NULL DEFAULT 0,
	recursiondepth INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (path, name, offsetheader)
)`

const createFilesIndex = `CREATE INDEX IF NOT EXISTS files_path_idx ON files(path)`

const createXattrKeys = `CREATE TABLE IF NOT EXISTS xattrkeys (id INTEGER PRIMARY KEY, name TEXT UNIQUE NOT NULL)`

const createXattrsData = `
CREATE TABLE IF NOT EXISTS xattrsdata (
	offsetheader INTEGER NOT NULL,
	keyid        INTEGER NOT NULL,
	value        BLOB NOT NULL,
	PRIMARY KEY (offsetheader, keyid)
)`

const createXattrsView = `
CREATE VIEW IF NOT EXISTS xattrs AS
SELECT d.offsetheader AS offsetheader, k.name AS key, d.value AS value
FROM xattrsdata d JOIN xattrkeys k ON k.id = d.keyid`

// The view is not directly writable by SQLite without an INSTEAD OF
// trigger; the trigger upserts the interned key then the data row.
const createXattrsTrigger = `
CREATE TRIGGER IF NOT EXISTS xattrs_insert INSTEAD OF INSERT ON xattrs
BEGIN
	INSERT OR IGNORE INTO xattrkeys(name) VALUES (NEW.key);
	INSERT OR REPLACE INTO xattrsdata(offsetheader, keyid, value)
	VALUES (NEW.offsetheader, (SELECT id FROM xattrkeys WHERE name = NEW.key), NEW.value);
END`

const createMetadata = `CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL)`

const createVersions = `
CREATE TABLE IF NOT EXISTS versions (
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	major   INTEGER NOT NULL,
	minor   INTEGER NOT NULL,
	patch   INTEGER NOT NULL,
	PRIMARY KEY (name)
)`

const createFilesTmp = `CREATE TABLE IF NOT EXISTS filestmp AS SELECT * FROM files WHERE 0`

const createParentFolders = `
CREATE TABLE IF NOT EXISTS parentfolders (
	path         TEXT NOT NULL,
	name         TEXT NOT NULL,
	offsetheader INTEGER,
	offset       INTEGER NOT NULL,
	PRIMARY KEY (path, name)
)`

var createStatements = []string{
	createFiles,
	createFilesIndex,
	createXattrKeys,
	createXattrsData,
	createXattrsView,
	createXattrsTrigger,
	createMetadata,
	createVersions,
}

// pragmas are applied to every connection: they trade durability (the
// index is always rebuildable from the archive) for indexing speed.
var pragmas = []string{
	"PRAGMA locking_mode = EXCLUSIVE",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA journal_mode = OFF",
	"PRAGMA synchronous = OFF",
}
