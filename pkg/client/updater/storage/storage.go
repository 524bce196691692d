// Package storage describes where the updater keeps its files on the device.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/pathsanitize"
	"github.com/unbasical/doras-ota/pkg/constants"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

var (
	// ErrIO marks failures of the local filesystem.
	ErrIO = errors.New("I/O error")
	// ErrReservedPath is returned if a manifest wants to write to a location the updater owns.
	ErrReservedPath = errors.New("path is reserved by the updater")
)

// Layout maps the update areas onto a device root. All relative names are slash separated.
type Layout struct {
	Root        string
	VersionFile string
	MarkerFile  string
	StagingDir  string
	BackupDir   string
}

// NewLayout returns the default layout below root.
func NewLayout(root string) Layout {
	return Layout{
		Root:        root,
		VersionFile: constants.VersionFileName,
		MarkerFile:  constants.MarkerFileName,
		StagingDir:  constants.StagingDirName,
		BackupDir:   constants.BackupDirName,
	}
}

func (l Layout) join(elem ...string) string {
	parts := lo.Map(elem, func(e string, _ int) string {
		return filepath.FromSlash(e)
	})
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

// LivePath resolves a manifest path to the file that is running on the device.
func (l Layout) LivePath(p string) (string, error) {
	return pathsanitize.JoinInRoot(l.Root, p)
}

// StagingPath returns the staging area directory.
func (l Layout) StagingPath() string {
	return l.join(l.StagingDir)
}

// StagedPath resolves a manifest path inside the staging area.
func (l Layout) StagedPath(p string) (string, error) {
	return pathsanitize.JoinInRoot(l.StagingPath(), p)
}

// StagedManifestPath is the copy of the manifest that makes the staging area self contained.
func (l Layout) StagedManifestPath() string {
	return l.join(l.StagingDir, constants.ManifestFileName)
}

// BackupPath returns the backup area directory.
func (l Layout) BackupPath() string {
	return l.join(l.BackupDir)
}

// BackupFilePath resolves a manifest path inside the backup area.
func (l Layout) BackupFilePath(p string) (string, error) {
	return pathsanitize.JoinInRoot(l.BackupPath(), p)
}

// JournalPath is the record describing the content of the backup area.
func (l Layout) JournalPath() string {
	return l.join(l.BackupDir, constants.BackupJournalName)
}

// VersionPath is the file holding the committed version.
func (l Layout) VersionPath() string {
	return l.join(l.VersionFile)
}

// MarkerPath is the pending update marker.
func (l Layout) MarkerPath() string {
	return l.join(l.MarkerFile)
}

// ReadVersion returns the committed version and whether a version record exists.
// Without a record the version is constants.DefaultLocalVersion.
func (l Layout) ReadVersion() (version string, exists bool, err error) {
	data, err := os.ReadFile(l.VersionPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return constants.DefaultLocalVersion, false, nil
		}
		return "", false, err
	}
	version = strings.TrimSpace(string(data))
	if version == "" {
		return constants.DefaultLocalVersion, true, nil
	}
	return version, true, nil
}

// CurrentVersion is ReadVersion for callers that only want a version to compare against.
// Read errors are logged and reported as the default version.
func (l Layout) CurrentVersion() string {
	v, _, err := l.ReadVersion()
	if err != nil {
		log.WithError(err).Warnf("failed to read version record %q", l.VersionPath())
		return constants.DefaultLocalVersion
	}
	return v
}

// WriteVersion atomically replaces the version record.
func (l Layout) WriteVersion(version string) error {
	if err := fileutils.EnsureParentDir(l.VersionPath()); err != nil {
		return err
	}
	return fileutils.WriteFileAtomic(l.VersionPath(), []byte(version), 0644)
}

// RemoveVersion deletes the version record, a missing record is not an error.
func (l Layout) RemoveVersion() error {
	if err := os.Remove(l.VersionPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveStaging deletes the staging area including the directory itself.
func (l Layout) RemoveStaging() error {
	log.Debugf("removing staging area %q", l.StagingPath())
	return os.RemoveAll(l.StagingPath())
}

// Validate rejects manifests that would overwrite the files the updater keeps its state in.
// The staged manifest and the backup journal share their areas with the mirrored files,
// so their names are reserved at the top level as well.
func (l Layout) Validate(m *manifest.Manifest) error {
	reservedFiles := []string{
		path.Clean(l.VersionFile),
		path.Clean(l.MarkerFile),
		constants.ManifestFileName,
		constants.BackupJournalName,
	}
	reservedDirs := []string{path.Clean(l.StagingDir), path.Clean(l.BackupDir)}
	for _, f := range m.Files {
		for _, r := range reservedFiles {
			if f.Path == r {
				return fmt.Errorf("%w: %q", ErrReservedPath, f.Path)
			}
		}
		for _, r := range reservedDirs {
			if f.Path == r || strings.HasPrefix(f.Path, r+"/") {
				return fmt.Errorf("%w: %q", ErrReservedPath, f.Path)
			}
		}
	}
	return nil
}
