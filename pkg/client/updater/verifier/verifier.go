// Package verifier checks staged files against the digests listed in the manifest.
package verifier

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/manifest"
)

// ErrHashMismatch is returned if the content of a file does not match its expected digest.
var ErrHashMismatch = errors.New("hash mismatch")

// FileVerifier ensures update integrity before applying.
type FileVerifier interface {
	// VerifyFile checks the file at p against expected.
	VerifyFile(p string, expected digest.Digest) error
}

type digestVerifier struct{}

// New returns a FileVerifier that hashes files with the algorithm of the expected digest.
func New() FileVerifier {
	return digestVerifier{}
}

func (digestVerifier) VerifyFile(p string, expected digest.Digest) error {
	return VerifyFile(p, expected)
}

// VerifyReader consumes r and checks its content against expected.
func VerifyReader(r io.Reader, expected digest.Digest) error {
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("invalid expected digest %q: %w", expected, err)
	}
	v := expected.Verifier()
	if _, err := io.Copy(v, r); err != nil {
		return err
	}
	if !v.Verified() {
		return ErrHashMismatch
	}
	return nil
}

// VerifyFile reads the file at p from disk and checks its content against expected.
func VerifyFile(p string, expected digest.Digest) error {
	fp, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() {
		_ = fp.Close()
	}()
	err = VerifyReader(fp, expected)
	if errors.Is(err, ErrHashMismatch) {
		actual, hashErr := manifest.FileDigest(p)
		if hashErr != nil {
			return fmt.Errorf("%w for %q", ErrHashMismatch, p)
		}
		log.Debugf("digest of %q is %s, expected %s", p, actual, expected)
		return fmt.Errorf("%w for %q: expected %s, got %s", ErrHashMismatch, p, expected.Encoded(), actual.Encoded())
	}
	return err
}
