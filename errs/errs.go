// Package errs defines the error taxonomy shared by the index, the tar
// indexer and the mount-source backends. Callers type-switch (or use
// errors.As) on these instead of inspecting error strings.
package errs

import "fmt"

// InvalidIndex means the on-disk index is unusable: schema mismatch,
// missing tables, leftover build-time temp tables, a stale append-offset
// marker, or a failed integrity spot-check. It is recoverable: the caller
// should delete the file (unless it is remote) and rebuild.
type InvalidIndex struct {
	Path   string
	Reason string
}

func (e *InvalidIndex) Error() string {
	return fmt.Sprintf("invalid index %q: %s", e.Path, e.Reason)
}

// MismatchingIndex means metadata.backendName names a different backend
// than the one opening it. It is non-recoverable by this backend: the
// index must not be deleted, and the caller should try another backend.
type MismatchingIndex struct {
	Path     string
	Have     string
	Expected string
}

func (e *MismatchingIndex) Error() string {
	return fmt.Sprintf("index %q was built by backend %q, not %q", e.Path, e.Have, e.Expected)
}

// IndexNotOpen is returned by any index operation attempted before an
// index has been successfully loaded or built.
var IndexNotOpen = &opError{"index is not open"}

// Compression indicates a compression format was detected but no decoder
// is available, or an enabled decoder failed to initialize or read.
type Compression struct {
	Format string
	Err    error
}

func (e *Compression) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compression %s: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("compression %s: no decoder available", e.Format)
}

func (e *Compression) Unwrap() error { return e.Err }

// Operational is the catch-all for surfaceable operational errors (I/O,
// missing files, permission problems) that don't fit the other categories.
type Operational struct {
	Op  string
	Err error
}

func (e *Operational) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Operational) Unwrap() error { return e.Err }

type opError struct{ msg string }

func (e *opError) Error() string { return e.msg }

// InvalidSeek is returned by StenciledFile.Seek for a negative absolute
// offset: seeks are never silently clamped to zero.
var InvalidSeek = &opError{"invalid seek: negative resulting offset"}
