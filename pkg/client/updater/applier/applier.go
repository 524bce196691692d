// Package applier replaces the live files of the device with a verified staging area.
//
// Applying is not transactional across files. A crash between two files leaves a mix of old and new files,
// which the commit verification after the next boot detects and rolls back.
package applier

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/backupmanager"
	"github.com/unbasical/doras-ota/pkg/client/updater/inspector"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/client/updater/verifier"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// ErrMissingManifest is returned if the staging area does not contain a usable manifest.
var ErrMissingManifest = errors.New("staging area has no valid manifest")

// Applier copies staged files over the live ones.
type Applier struct {
	layout   storage.Layout
	backups  *backupmanager.Manager
	verifier verifier.FileVerifier
	progress *inspector.Progress
}

// Option configures an Applier.
type Option func(*Applier)

// WithProgress reports the apply progress to p.
func WithProgress(p *inspector.Progress) Option {
	return func(a *Applier) {
		a.progress = p
	}
}

// New returns an Applier for layout that keeps its backups in backups.
func New(layout storage.Layout, backups *backupmanager.Manager, opts ...Option) *Applier {
	a := &Applier{
		layout:   layout,
		backups:  backups,
		verifier: verifier.New(),
		progress: &inspector.Progress{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoadStagedManifest reads the manifest stored in the staging area.
func LoadStagedManifest(layout storage.Layout) (*manifest.Manifest, error) {
	m, err := manifest.ReadFile(layout.StagedManifestPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingManifest, err)
	}
	if err := layout.Validate(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingManifest, err)
	}
	return m, nil
}

// Apply backs up and overwrites every file of the staged manifest in manifest order.
// The first file that cannot be written triggers a full rollback.
// On success the version record is updated and the staging area is removed.
func (a *Applier) Apply() error {
	m, err := LoadStagedManifest(a.layout)
	if err != nil {
		log.WithError(err).Error("failed to load manifest during apply")
		return err
	}
	if _, err := a.backups.Begin(m); err != nil {
		return fmt.Errorf("%w: failed to prepare backup area: %w", storage.ErrIO, err)
	}
	a.progress.Reset(len(m.Files))
	for _, f := range m.Files {
		a.progress.SetCurrent(f.Path)
		if err := a.backups.BackupFile(f.Path); err != nil {
			log.WithError(err).Warnf("Could not backup: %s", f.Path)
		}
		if err := a.applyFile(f); err != nil {
			log.WithError(err).Errorf("Failed to apply %s", f.Path)
			return a.abort(fmt.Errorf("%w: failed to apply %q: %w", storage.ErrIO, f.Path, err))
		}
		log.Infof("Applied: %s", f.Path)
		a.progress.Complete()
	}
	if err := a.layout.WriteVersion(m.Version); err != nil {
		log.WithError(err).Error("failed to write version record")
		return a.abort(fmt.Errorf("%w: failed to write version record: %w", storage.ErrIO, err))
	}
	log.Infof("Version updated to %s", m.Version)
	if err := a.backups.Seal(); err != nil {
		log.WithError(err).Warn("failed to seal backup journal")
	}
	if err := a.layout.RemoveStaging(); err != nil {
		log.WithError(err).Warn("Failed to clean up staging area")
	} else {
		log.Info("Cleaned up staging area")
	}
	return nil
}

// abort rolls back and returns cause, rollback failures are only logged.
func (a *Applier) abort(cause error) error {
	if err := a.backups.Rollback(); err != nil {
		log.WithError(err).Error("rollback after failed apply was incomplete")
	}
	return cause
}

// applyFile overwrites the live copy of f with the staged one and checks what ended up on disk.
func (a *Applier) applyFile(f manifest.File) error {
	staged, err := a.layout.StagedPath(f.Path)
	if err != nil {
		return err
	}
	live, err := a.layout.LivePath(f.Path)
	if err != nil {
		return err
	}
	if err := fileutils.EnsureParentDir(live); err != nil {
		return err
	}
	if err := fileutils.CopyFile(staged, live); err != nil {
		return err
	}
	return a.verifier.VerifyFile(live, f.Digest)
}

// IsApplied reports whether every live file already has the content m expects.
func IsApplied(layout storage.Layout, m *manifest.Manifest) (bool, error) {
	v := verifier.New()
	for _, f := range m.Files {
		live, err := layout.LivePath(f.Path)
		if err != nil {
			return false, err
		}
		err = v.VerifyFile(live, f.Digest)
		switch {
		case err == nil:
			continue
		case errors.Is(err, verifier.ErrHashMismatch), errors.Is(err, os.ErrNotExist):
			return false, nil
		default:
			return false, err
		}
	}
	return true, nil
}
