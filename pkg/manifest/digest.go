package manifest

import (
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ParseHex converts the 64 character hex form used in manifests into a sha256 digest.
func ParseHex(encoded string) (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(strings.TrimSpace(encoded)))
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// FileDigest hashes the content of the file at p with SHA-256.
func FileDigest(p string) (digest.Digest, error) {
	fp, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = fp.Close()
	}()
	return digest.SHA256.FromReader(fp)
}
