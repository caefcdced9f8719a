package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCandidatePathsOrdering(t *testing.T) {
	paths := CandidatePaths("/data/archive.tar", "", []string{"/var/cache/archivefs"})
	if paths[0] != "/data/archive.tar.index.sqlite" {
		t.Fatalf("first candidate = %q", paths[0])
	}
	if paths[len(paths)-1] != ":memory:" {
		t.Fatalf("last candidate should be :memory:, got %q", paths[len(paths)-1])
	}
	found := false
	for _, p := range paths {
		if p == filepath.Join("/var/cache/archivefs", "data_archive.tar.index.sqlite") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a folder-based candidate, got %v", paths)
	}
}

func TestCandidatePathsExplicitFirst(t *testing.T) {
	paths := CandidatePaths("/data/archive.tar", "/explicit/path.sqlite", nil)
	if paths[0] != "/explicit/path.sqlite" {
		t.Fatalf("explicit path should be first, got %q", paths[0])
	}
}

func TestCandidatePathsRemotePassthrough(t *testing.T) {
	paths := CandidatePaths("s3://bucket/archive.tar", "", []string{"/var/cache"})
	if paths[len(paths)-1] != ":memory:" {
		t.Fatalf("remote archive should still fall back to :memory:, got %v", paths)
	}
	for _, p := range paths {
		if filepath.Dir(p) == "/var/cache" {
			t.Fatalf("remote archive path should not be probed against index folders")
		}
	}
}

func TestUsableMemory(t *testing.T) {
	if !Usable(":memory:") {
		t.Fatalf(":memory: should always be usable")
	}
}

func TestUsableWritableDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.sqlite")
	if !Usable(path) {
		t.Fatalf("expected %q to be usable", path)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("the probe must not leave a file behind")
	}
}

func TestTempDirHonorsOverride(t *testing.T) {
	t.Setenv(IndexTmpDirEnv, "/custom/tmp")
	if got := TempDir(); got != "/custom/tmp" {
		t.Fatalf("TempDir = %q, want %q", got, "/custom/tmp")
	}
	t.Setenv(IndexTmpDirEnv, "")
	if got := TempDir(); got == "" {
		t.Fatalf("TempDir should fall back to the system default")
	}
}

func TestDefaultIndexFolders(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/xdg/cache")
	folders := DefaultIndexFolders()
	if len(folders) != 1 || folders[0] != filepath.Join("/xdg/cache", "ratarmount") {
		t.Fatalf("DefaultIndexFolders = %v", folders)
	}
}
