package gzip

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/unbasical/doras-ota/internal/pkg/utils/readerutils"
)

// ContentEncoding is the HTTP content coding handled by this package.
const ContentEncoding = "gzip"

// NewDecompressor wraps a gzip encoded stream. Closing the returned reader closes rc as well.
func NewDecompressor(rc io.ReadCloser) (io.ReadCloser, error) {
	gzr, err := gzip.NewReader(rc)
	if err != nil {
		return nil, err
	}
	return readerutils.ChainedCloser(gzr, gzr, rc), nil
}
