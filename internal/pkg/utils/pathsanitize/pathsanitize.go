package pathsanitize

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrUnsafePath is returned for paths that would escape the directory they are resolved in.
var ErrUnsafePath = errors.New("unsafe path")

// CleanRelative validates a slash separated path that is relative to some root and returns its clean form.
func CleanRelative(p string) (string, error) {
	if p == "" || strings.ContainsAny(p, "\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	if path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q leaves its root", ErrUnsafePath, p)
	}
	return c, nil
}

// JoinInRoot resolves the relative path p inside root.
func JoinInRoot(root, p string) (string, error) {
	c, err := CleanRelative(p)
	if err != nil {
		return "", err
	}
	trustedRoot := filepath.Clean(root)
	joined := filepath.Join(trustedRoot, filepath.FromSlash(c))
	if err := inTrustedRoot(joined, trustedRoot); err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	return joined, nil
}

// VerifyPath adapted from: https://www.stackhawk.com/blog/golang-path-traversal-guide-examples-and-prevention/
func inTrustedRoot(p, trustedRoot string) error {
	for {
		parent := filepath.Dir(p)
		if parent == trustedRoot {
			return nil
		}
		if parent == p {
			break
		}
		p = parent
	}
	logrus.Debugf("%q is not inside %q", p, trustedRoot)
	return ErrUnsafePath
}
