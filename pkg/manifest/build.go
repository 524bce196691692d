package manifest

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/constants"
)

// excluded holds names that never become part of a release.
var excluded = map[string]struct{}{
	constants.ManifestFileName: {},
	constants.VersionFileName:  {},
	"generate_manifest.py":     {},
	".git":                     {},
	"__pycache__":              {},
}

func isExcluded(name string) bool {
	if _, ok := excluded[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// Build hashes every file of the release directory root into a manifest with the given version.
// Files are listed in lexical order.
func Build(root, version string) (*Manifest, error) {
	m := &Manifest{Version: version, Files: FileList{}}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if isExcluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dig, err := FileDigest(p)
		if err != nil {
			return err
		}
		log.Debugf("%s -> %s", rel, dig.Encoded())
		m.Files = append(m.Files, File{Path: filepath.ToSlash(rel), Digest: dig})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// BumpVersion increments the major, minor or patch component of a major.minor.patch version.
func BumpVersion(current, level string) (string, error) {
	parts := strings.Split(strings.TrimSpace(current), ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("version %q is not of the form major.minor.patch", current)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return "", fmt.Errorf("version %q is not of the form major.minor.patch", current)
		}
		nums[i] = n
	}
	switch level {
	case "major":
		return fmt.Sprintf("%d.0.0", nums[0]+1), nil
	case "minor":
		return fmt.Sprintf("%d.%d.0", nums[0], nums[1]+1), nil
	case "patch":
		return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]+1), nil
	default:
		return "", fmt.Errorf("unknown bump level %q", level)
	}
}
