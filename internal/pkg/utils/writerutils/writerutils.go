package writerutils

import (
	"errors"
	"io"
	"os"
)

// SafeFile is a file writer that flushes the file to stable storage before it is closed.
type SafeFile struct {
	f *os.File
}

// NewSafeFileWriter wraps f, closing the returned writer syncs and closes f.
func NewSafeFileWriter(f *os.File) io.WriteCloser {
	return &SafeFile{f: f}
}

func (s *SafeFile) Write(p []byte) (n int, err error) {
	return s.f.Write(p)
}

// Close syncs the file contents to disk, then closes the file.
// Both errors are reported, the file is closed even if syncing failed.
func (s *SafeFile) Close() error {
	return errors.Join(
		s.f.Sync(),
		s.f.Close(),
	)
}
