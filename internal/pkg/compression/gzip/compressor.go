package gzip

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// NewCompressor returns a writer that gzip encodes everything written to it into w.
// Callers must close it to flush the gzip footer, w itself is not closed.
func NewCompressor(w io.Writer) io.WriteCloser {
	gzw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		// only returned for invalid levels
		panic(err)
	}
	return gzw
}
