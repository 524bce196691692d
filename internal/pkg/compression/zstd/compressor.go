package zstd

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// NewCompressor returns a writer that zstd encodes everything written to it into w.
// Callers must close it to flush the last frame, w itself is not closed.
func NewCompressor(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
}
