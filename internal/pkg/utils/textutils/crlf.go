package textutils

import (
	"bytes"

	"golang.org/x/text/transform"
)

// crlfToLF rewrites every CRLF sequence to LF. A lone CR is kept as is.
type crlfToLF struct {
	transform.NopResetter
}

// NewCRLFNormalizer returns a transformer that normalizes Windows line endings to Unix ones.
// It is used with transform.NewReader so large files are normalized while they are streamed.
func NewCRLFNormalizer() transform.Transformer {
	return crlfToLF{}
}

func (crlfToLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 >= len(src) {
				if !atEOF {
					// need the next byte to decide
					err = transform.ErrShortSrc
					return
				}
			} else if src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			err = transform.ErrShortDst
			return
		}
		// copy the run of bytes up to the next CR in one go
		end := len(src)
		if i := bytes.IndexByte(src[nSrc+1:], '\r'); i >= 0 {
			end = nSrc + 1 + i
		}
		n := copy(dst[nDst:], src[nSrc:end])
		nDst += n
		nSrc += n
	}
	return
}
