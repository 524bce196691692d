package fileutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/writerutils"
)

// getLockFile computes a unique lock file path based on the canonical absolute path of newPath.
func getLockFile(newPath string) string {
	abs, err := filepath.Abs(newPath)
	if err != nil {
		abs = newPath // Fallback to the provided path if an error occurs.
	}
	abs = filepath.Clean(abs)
	hash := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "update_lock_"+hex.EncodeToString(hash[:]))
}

// acquireLock creates a new flock based on lockPath and acquires an exclusive lock.
func acquireLock(lockPath string) (*flock.Flock, error) {
	lock := flock.New(lockPath)
	// Block until the lock is acquired
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return lock, nil
}

// releaseLock releases the lock held by the flock.
func releaseLock(lock *flock.Flock) error {
	return lock.Unlock()
}

// replaceFile atomically replaces the file at targetPath with the file at currentPath,
// using a unique lock file based on targetPath.
func replaceFile(currentPath, targetPath string) error {
	lockFile := getLockFile(targetPath)
	lock, err := acquireLock(lockFile)
	if err != nil {
		return err
	}
	defer func() {
		_ = releaseLock(lock)
	}()
	if err := os.Rename(currentPath, targetPath); err != nil {
		return err
	}
	syncDir(filepath.Dir(targetPath))
	return nil
}

// WriteFileAtomic writes data to a temporary sibling of targetPath and swaps it in place.
func WriteFileAtomic(targetPath string, data []byte, perm os.FileMode) error {
	_, err := WriteReaderAtomic(targetPath, bytes.NewReader(data), perm)
	return err
}

// WriteReaderAtomic streams r into a temporary sibling of targetPath, syncs it and swaps it in place.
// A power loss leaves either the previous file or the complete new one behind, never a torn write.
func WriteReaderAtomic(targetPath string, r io.Reader, perm os.FileMode) (int64, error) {
	dir := filepath.Dir(targetPath)
	fp, err := os.CreateTemp(dir, "."+filepath.Base(targetPath)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := fp.Name()
	removeTmp := func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Debugf("failed to remove temporary file %q", tmpPath)
		}
	}
	w := writerutils.NewSafeFileWriter(fp)
	n, err := io.CopyBuffer(w, r, make([]byte, copyBufferSize))
	if err = errors.Join(err, w.Close()); err != nil {
		removeTmp()
		return n, err
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		removeTmp()
		return n, err
	}
	if err = replaceFile(tmpPath, targetPath); err != nil {
		removeTmp()
		return n, err
	}
	return n, nil
}

// syncDir flushes directory metadata so a rename survives a power loss.
// Not every platform supports syncing directories, failures are only logged.
func syncDir(dir string) {
	fp, err := os.Open(dir)
	if err != nil {
		return
	}
	if err := fp.Sync(); err != nil {
		log.WithError(err).Debugf("failed to sync directory %q", dir)
	}
	_ = fp.Close()
}
