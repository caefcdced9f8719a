package compress

import (
	"io"

	"github.com/ulikunitz/xz"
)

// xzDecoder wraps ulikunitz/xz. xz streams carry their own end-of-data
// index with per-block uncompressed/compressed sizes, but the public
// decoder API only exposes sequential Read, so archivefs falls back to
// the same checkpoint-restart scheme used for gzip and bzip2: nothing
// beyond the in-process checkpoints is persisted for xz, matching the
// "internal index, nothing to persist" characterization of the xz
// adapter, since ulikunitz/xz does not expose its parsed index for
// external reuse.
type xzDecoder struct {
	*seekableDecoder
}

type xzReadCloser struct {
	*xz.Reader
}

func (x xzReadCloser) Close() error { return nil }

func newXzDecoder(source io.ReaderAt, compressedSize int64, opts Options) (Decoder, error) {
	sd, err := newSeekableDecoder(source, compressedSize, opts, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return xzReadCloser{zr}, nil
	})
	if err != nil {
		return nil, err
	}
	return &xzDecoder{sd}, nil
}
