// Package manifest models the update manifest published next to a firmware release.
//
// The manifest is a JSON document of the form
//
//	{"version": "1.2.0", "files": {"main.py": "<sha256 hex>", "lib/ota.py": "<sha256 hex>"}}
//
// The order of the files object is significant: files are staged and applied in that order.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/pathsanitize"
)

// ErrInvalid is returned for manifests that are malformed or miss a required field.
var ErrInvalid = errors.New("invalid manifest")

// Manifest describes a release: its version and the expected digest of every file.
type Manifest struct {
	Version string   `json:"version"`
	Files   FileList `json:"files"`
}

// File is a single manifest entry.
type File struct {
	// Path is slash separated and relative to the device root.
	Path   string
	Digest digest.Digest
}

// FileList is an ordered list of manifest entries that is encoded as a JSON object.
type FileList []File

// UnmarshalJSON decodes the files object while keeping the order of its keys.
// Duplicate keys, unsafe paths and malformed digests are rejected.
func (l *FileList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: files must be an object", ErrInvalid)
	}
	files := FileList{}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: unexpected token %v", ErrInvalid, tok)
		}
		var encoded string
		if err := dec.Decode(&encoded); err != nil {
			return fmt.Errorf("%w: digest of %q: %w", ErrInvalid, key, err)
		}
		p, err := pathsanitize.CleanRelative(key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: duplicate file %q", ErrInvalid, key)
		}
		seen[p] = struct{}{}
		d, err := ParseHex(encoded)
		if err != nil {
			return fmt.Errorf("%w: file %q: %w", ErrInvalid, key, err)
		}
		files = append(files, File{Path: p, Digest: d})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = files
	return nil
}

// MarshalJSON encodes the list as a JSON object with hex encoded digests, preserving the order.
func (l FileList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Path)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Digest.Encoded())
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Paths returns the file paths in manifest order.
func (m *Manifest) Paths() []string {
	return lo.Map(m.Files, func(f File, _ int) string {
		return f.Path
	})
}

// Lookup returns the expected digest of the file at p.
func (m *Manifest) Lookup(p string) (digest.Digest, bool) {
	f, ok := lo.Find(m.Files, func(f File) bool {
		return f.Path == p
	})
	return f.Digest, ok
}

// Validate checks that all required fields are present.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrInvalid)
	}
	if m.Files == nil {
		return fmt.Errorf("%w: missing files", ErrInvalid)
	}
	return nil
}

// Parse decodes and validates a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		if errors.Is(err, ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	m.Version = strings.TrimSpace(m.Version)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadFile parses the manifest stored at p.
func ReadFile(p string) (*Manifest, error) {
	fp, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fp.Close()
	}()
	return Parse(fp)
}

// WriteFile atomically stores the manifest at p.
func (m *Manifest) WriteFile(p string) error {
	return fileutils.SafeWriteJson(p, m)
}

// HasUpdate reports whether the remote version should be installed over the local one.
// Versions are only compared for equality, a lower remote version is an update as well.
func HasUpdate(remoteVersion, localVersion string) bool {
	return remoteVersion != "" && remoteVersion != localVersion
}
