// Command archivefs-mount is a thin FUSE front-end: it opens one
// archive through whichever backend probe.go identifies, wraps the
// resulting mountsource.MountSource in internal/fusefs, and calls
// fuse.Mount, in the same flag-parsing and mount-option shape as
// distri's own fuse.Mount. It does not implement a union, auto-mount
// or subvolume layer: it mounts exactly one archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/archivefs/archivefs/internal/backend/asar"
	"github.com/archivefs/archivefs/internal/backend/cpio"
	"github.com/archivefs/archivefs/internal/backend/squashfs"
	"github.com/archivefs/archivefs/internal/backend/tar"
	"github.com/archivefs/archivefs/internal/fusefs"
	"github.com/archivefs/archivefs/internal/index"
	"github.com/archivefs/archivefs/internal/mountsource"
	"github.com/archivefs/archivefs/internal/probe"
	"github.com/archivefs/archivefs/internal/progressbar"
	"github.com/archivefs/archivefs/internal/tarindex"
)

const help = `archivefs-mount [-flags] <archive> <mountpoint>

Mount a TAR, cpio, ASAR or SquashFS archive read-only as a FUSE file
system, building (or reusing) a persistent metadata index alongside
it.

Example:
  % archivefs-mount -format tar pkg.tar.gz /mnt/pkg
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("archivefs-mount", flag.ExitOnError)
	var (
		format       = fset.String("format", "", "archive format: tar, cpio, asar or squashfs (default: probe the file)")
		indexPath    = fset.String("index", "", "path to the sqlite metadata index (default: <archive>.index.sqlite)")
		recursive    = fset.Bool("recursive", false, "expand nested .tar members in place")
		stripTarExt  = fset.Bool("strip-tar-extension", false, "mount nested archives without their .tar suffix (implies meaning only with -recursive)")
		showProgress = fset.Bool("progress", false, "print an index-build progress bar to stderr")
		foreground   = fset.Bool("f", false, "accepted for compatibility; archivefs-mount always runs in the foreground")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: archivefs-mount [-flags] <archive> <mountpoint>")
	}
	archivePath := fset.Arg(0)
	mountpoint := fset.Arg(1)
	_ = foreground // kept for flag-surface parity with distri's Mount; this front-end always runs in the foreground

	idxPath := *indexPath
	if idxPath == "" {
		// Walk the candidate list (sibling file, cache folders, memory)
		// and take the first location SQLite can actually write to.
		folders := index.DefaultIndexFolders()
		for _, folder := range folders {
			os.MkdirAll(folder, 0o755)
		}
		for _, candidate := range index.CandidatePaths(archivePath, "", folders) {
			if candidate == ":memory:" {
				idxPath = ""
				break
			}
			if index.Usable(candidate) {
				idxPath = candidate
				break
			}
		}
	}

	src, err := openSource(archivePath, *format, idxPath, *recursive, *stripTarExt, *showProgress)
	if err != nil {
		return err
	}

	server := fuseutil.NewFileSystemServer(fusefs.New(src))
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "archivefs",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		fuse.Unmount(mountpoint)
		cancel()
	}()

	if err := mfs.Join(ctx); err != nil {
		return xerrors.Errorf("MountedFileSystem.Join: %v", err)
	}
	return nil
}

// openSource probes archivePath (unless format overrides the guess)
// and opens the matching backend, each of which builds or reuses the
// sqlite index at idxPath.
func openSource(archivePath, format, idxPath string, recursive, stripTarExt, showProgress bool) (mountsource.MountSource, error) {
	if format == "" {
		detected, err := detectFormat(archivePath)
		if err != nil {
			return nil, err
		}
		format = detected
	}

	switch format {
	case "tar":
		var bar *progressbar.Bar
		if showProgress {
			info, err := os.Stat(archivePath)
			if err == nil {
				bar = progressbar.New(os.Stderr, archivePath, info.Size())
				defer bar.Done()
			}
		}
		var reporter tarindex.ProgressReporter
		if bar != nil {
			reporter = bar
		}
		return tar.Open(archivePath, tar.Options{
			IndexPath:         idxPath,
			Recursive:         recursive,
			StripTarExtension: stripTarExt,
			Progress:          reporter,
		})
	case "cpio":
		return cpio.Open(archivePath, cpio.Options{IndexPath: idxPath})
	case "asar":
		return asar.Open(archivePath, asar.Options{IndexPath: idxPath})
	case "squashfs":
		return squashfs.Open(archivePath)
	default:
		return nil, xerrors.Errorf("archivefs-mount: unrecognized archive format %q (pass -format explicitly)", format)
	}
}

// detectFormat sniffs the archive's header the same way each
// backend's own Open would, without committing to one: ASAR and
// SquashFS have unambiguous magic bytes, cpio's newc/odc headers are
// plain ASCII magic strings, and anything else is handed to the TAR
// backend, which already tolerates a gzip/bzip2/xz/zstd wrapper.
func detectFormat(archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", xerrors.Errorf("archivefs-mount: open %s: %v", archivePath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", xerrors.Errorf("archivefs-mount: stat %s: %v", archivePath, err)
	}

	header := make([]byte, 512)
	n, _ := f.ReadAt(header, 0)
	header = header[:n]

	if _, _, ok := probe.IsASAR(header); ok {
		return "asar", nil
	}
	if off, _, ok := probe.IsSquashFS(f, info.Size()); ok && off == 0 {
		return "squashfs", nil
	}
	if c := probe.DetectCompression(header); c == probe.FormatCpio {
		return "cpio", nil
	}
	return "tar", nil
}
