package compress

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdDecoder wraps klauspost/compress/zstd, the same zstd package
// pulled in transitively by pgzip's dependency closure. Every restart
// creates a new zstd.Decoder and hands it out through IOReadCloser, so
// closing the returned reader releases that decoder.
type zstdDecoder struct {
	*seekableDecoder
}

func newZstdDecoder(source io.ReaderAt, compressedSize int64, opts Options) (Decoder, error) {
	sd, err := newSeekableDecoder(source, compressedSize, opts, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	})
	if err != nil {
		return nil, err
	}
	return &zstdDecoder{sd}, nil
}
