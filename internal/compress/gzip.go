package compress

import (
	"io"

	"github.com/klauspost/pgzip"
)

// gzipDecoder wraps klauspost/pgzip in seekableDecoder's
// checkpoint-restart scheme. pgzip.Reader internally
// parallelizes decompression of multi-member gzip streams, which
// benefits the common case of a gzip-compressed tar built by pigz or
// bgzip with many members.
type gzipDecoder struct {
	*seekableDecoder
}

func newGzipDecoder(source io.ReaderAt, compressedSize int64, opts Options) (Decoder, error) {
	sd, err := newSeekableDecoder(source, compressedSize, opts, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	})
	if err != nil {
		return nil, err
	}
	return &gzipDecoder{sd}, nil
}
