package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// copyBufferSize bounds the amount of file content held in memory while streaming.
const copyBufferSize = 4 * 1024

// SafeReadFile reads the file at the provided path into a byte slice.
func SafeReadFile(filePath string) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %s, %w", filePath, err)
	}
	bytes, readErr := io.ReadAll(file)
	if err = file.Close(); err != nil {
		logrus.Errorf("Failed to close file: %s", filePath)
	}
	return bytes, readErr
}

// SafeWriteJson atomically writes the provided object to a JSON file at the provided path.
// The function makes sure any changes are flushed to the disk before returning.
func SafeWriteJson[T any](filePath string, targetPointer *T) error {
	data, err := json.Marshal(*targetPointer)
	if err != nil {
		return err
	}
	return WriteFileAtomic(filePath, data, 0600)
}

// EnsureDir creates the directory and all of its parents.
// A directory that already exists is the normal case and not an error.
func EnsureDir(dir string) error {
	exists, isDir, err := ExistsAndIsDirectory(dir)
	if err != nil {
		return err
	}
	if exists {
		if !isDir {
			return fmt.Errorf("%q exists and is not a directory", dir)
		}
		return nil
	}
	logrus.Debugf("creating directory %q", dir)
	return os.MkdirAll(dir, 0755)
}

// EnsureParentDir creates the parent directory of the provided file path.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExistsAndIsDirectory stats path, errors other than os.ErrNotExist are returned.
func ExistsAndIsDirectory(path string) (exists, isDir bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// CopyFile streams src to dst in fixed size chunks and syncs dst before returning.
// dst is replaced atomically so a crash leaves either the old or the new content.
func CopyFile(src, dst string) error {
	fp, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = fp.Close()
	}()
	info, err := fp.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("cannot copy directory %q", src)
	}
	_, err = WriteReaderAtomic(dst, fp, info.Mode().Perm())
	return err
}

// CleanDirectory removes all files and subdirectories within dirPath,
// leaving the directory itself intact. A missing directory is created.
func CleanDirectory(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return EnsureDir(dirPath)
		}
		return err
	}
	for _, entry := range entries {
		entryPath := filepath.Join(dirPath, entry.Name())
		if err := os.RemoveAll(entryPath); err != nil {
			return err
		}
	}
	return nil
}
