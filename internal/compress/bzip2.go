package compress

import (
	"io"

	"github.com/dsnet/compress/bzip2"
)

// bzip2Decoder wraps dsnet/compress/bzip2, which (unlike the standard
// library's decoder) exposes a Close method and tolerates concatenated
// streams, in seekableDecoder's checkpoint-restart scheme. bzip2
// blocks are independently decodable once the stream's 4-bit block
// size is known, so checkpoints recorded here align closely with real
// block boundaries in practice even though the library does not
// surface them directly.
type bzip2Decoder struct {
	*seekableDecoder
}

type bzip2ReadCloser struct {
	*bzip2.Reader
}

func (b bzip2ReadCloser) Close() error { return b.Reader.Close() }

func newBzip2Decoder(source io.ReaderAt, compressedSize int64, opts Options) (Decoder, error) {
	sd, err := newSeekableDecoder(source, compressedSize, opts, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, err
		}
		return bzip2ReadCloser{zr}, nil
	})
	if err != nil {
		return nil, err
	}
	return &bzip2Decoder{sd}, nil
}
