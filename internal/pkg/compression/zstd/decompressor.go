package zstd

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/unbasical/doras-ota/internal/pkg/utils/readerutils"
)

// ContentEncoding is the HTTP content coding handled by this package.
const ContentEncoding = "zstd"

// NewDecompressor wraps a zstd encoded stream. Closing the returned reader closes rc as well.
// The decoder runs single threaded, devices rarely have cores to spare.
func NewDecompressor(rc io.ReadCloser) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		return nil, err
	}
	return readerutils.ChainedCloser(zr, zr.IOReadCloser(), rc), nil
}
