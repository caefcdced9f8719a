package index

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
)

// compressionExts lists the extensions CandidatePaths probes for a
// sibling "<archive>.index.sqlite.<ext>" file, e.g. an index built
// next to "archive.tar.gz" might be named "archive.tar.gz.index.sqlite.gz"
// if the archive itself was later recompressed in place.
var compressionExts = []string{"gz", "bz2", "xz", "zst"}

// CandidatePaths returns the ordered list of index locations to try:
// an explicit path (if given), "<archive>.index.sqlite",
// compression-suffixed variants, one path per configured index folder,
// and finally ":memory:". Paths containing "://" (remote archives) are
// passed through unchanged and are not probed with Usable.
func CandidatePaths(archivePath, explicit string, indexFolders []string) []string {
	var out []string
	if explicit != "" {
		out = append(out, explicit)
	}
	if strings.Contains(archivePath, "://") {
		return append(out, archivePath+".index.sqlite", ":memory:")
	}
	out = append(out, archivePath+".index.sqlite")
	for _, ext := range compressionExts {
		candidate := archivePath + ".index.sqlite." + ext
		if info, err := os.Stat(candidate); err == nil && info.Size() > 0 {
			out = append(out, candidate)
		}
	}
	for _, folder := range indexFolders {
		slashed := strings.ReplaceAll(strings.TrimPrefix(archivePath, "/"), "/", "_")
		out = append(out, filepath.Join(folder, slashed+".index.sqlite"))
	}
	out = append(out, ":memory:")
	return out
}

// Usable reports whether path is usable for a writable SQLite file:
// its parent directory must be writable, verified by actually creating
// and dropping an empty table there. If path did not pre-exist,
// Usable removes the file it created during the probe.
func Usable(path string) bool {
	if path == ":memory:" || strings.Contains(path, "://") {
		return true
	}
	_, statErr := os.Stat(path)
	preexisted := statErr == nil

	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return false
	}
	_, createErr := db.Exec(`CREATE TABLE IF NOT EXISTS archivefs_usable_probe (x INTEGER)`)
	ok := createErr == nil
	if ok {
		db.Exec(`DROP TABLE archivefs_usable_probe`)
	}
	db.Close()
	if !preexisted {
		os.Remove(path)
	}
	return ok
}

// IndexTmpDirEnv names the environment variable that overrides where
// temporary copies of remote or compressed index files are placed.
const IndexTmpDirEnv = "RATARMOUNT_INDEX_TMPDIR"

// TempDir returns the directory used for temporary index copies:
// the override from IndexTmpDirEnv if set, else the system default.
func TempDir() string {
	if dir := os.Getenv(IndexTmpDirEnv); dir != "" {
		return dir
	}
	return os.TempDir()
}

// DefaultIndexFolders returns the fallback folder list appended to
// CandidatePaths when the archive's own directory is not writable:
// "<XDG_CACHE_HOME>/ratarmount" (or "~/.cache/ratarmount"). The
// directory is created on first use by the caller, not here.
func DefaultIndexFolders() []string {
	cache := os.Getenv("XDG_CACHE_HOME")
	if cache == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		cache = filepath.Join(home, ".cache")
	}
	return []string{filepath.Join(cache, "ratarmount")}
}
