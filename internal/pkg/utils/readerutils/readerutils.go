package readerutils

import (
	"errors"
	"io"
	"sync/atomic"
)

// ChainedCloser returns a ReadCloser that reads from this and closes both other and this.
func ChainedCloser(this io.Reader, closers ...io.Closer) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{
		Reader: this,
		Closer: closerFunc(func() error {
			errs := make([]error, 0, len(closers))
			for _, c := range closers {
				errs = append(errs, c.Close())
			}
			return errors.Join(errs...)
		})}
}

// CloserFunc is the basic Close method defined in io.Closer.
type closerFunc func() error

// Close performs close operation by the CloserFunc.
func (fn closerFunc) Close() error {
	return fn()
}

// countingReader adds the number of bytes it reads to a shared counter.
type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

// NewCountingReader returns a reader that adds every byte it reads to n.
// n may be read concurrently, e.g. by a status reporter.
func NewCountingReader(r io.Reader, n *atomic.Uint64) io.Reader {
	return &countingReader{r: r, n: n}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(uint64(n))
	}
	return n, err
}
