// Package backupmanager keeps copies of the live files an update replaces and restores them on rollback.
package backupmanager

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/sumdb/dirhash"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/statemanager"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// Journal describes the content of the backup area.
type Journal struct {
	// Version is the version the backed up files are being replaced with.
	Version string `json:"version"`
	// PreviousVersion is the version record before the update, valid if VersionExisted is set.
	PreviousVersion string `json:"previous_version"`
	VersionExisted  bool   `json:"version_existed"`
	// Files lists every file the update touches in manifest order.
	Files []string `json:"files"`
	// BackedUp lists the files that have a copy in the backup area.
	BackedUp []string `json:"backed_up"`
	// Completed is set once the update was fully applied.
	Completed      bool   `json:"completed"`
	SnapshotDigest string `json:"snapshot_digest,omitempty"`
}

func (j *Journal) hasBackup(p string) bool {
	return lo.Contains(j.BackedUp, p)
}

// Manager owns the backup area of a Layout.
type Manager struct {
	layout  storage.Layout
	journal *statemanager.Manager[Journal]
}

// New returns a Manager for the backup area of layout.
func New(layout storage.Layout) *Manager {
	return &Manager{
		layout:  layout,
		journal: statemanager.NewLazy(Journal{}, layout.JournalPath()),
	}
}

// LoadJournal returns the journal of the backup area and whether one exists.
func (b *Manager) LoadJournal() (Journal, bool, error) {
	j, err := b.journal.Read()
	if err != nil {
		if errors.Is(err, statemanager.ErrNoState) {
			return Journal{}, false, nil
		}
		return Journal{}, false, err
	}
	return j, true, nil
}

// Begin prepares the backup area for applying m.
// An unfinished journal for the same version is resumed so backups taken before an interruption are kept,
// otherwise the backup area is reset.
func (b *Manager) Begin(m *manifest.Manifest) (resumed bool, err error) {
	j, ok, err := b.LoadJournal()
	if err != nil && !errors.Is(err, statemanager.ErrCorruptState) {
		return false, err
	}
	if ok && !j.Completed && j.Version == m.Version {
		log.Infof("resuming interrupted apply of version %s with %d backed up files", j.Version, len(j.BackedUp))
		return true, nil
	}
	if err := fileutils.CleanDirectory(b.layout.BackupPath()); err != nil {
		return false, err
	}
	previous, existed, err := b.layout.ReadVersion()
	if err != nil {
		return false, err
	}
	j = Journal{
		Version:         m.Version,
		PreviousVersion: previous,
		VersionExisted:  existed,
		Files:           m.Paths(),
		BackedUp:        []string{},
	}
	if err := b.journal.Set(j); err != nil {
		return false, err
	}
	log.Debugf("created backup journal for version %s", m.Version)
	return false, nil
}

// BackupFile copies the live file p into the backup area.
// A missing live file is skipped, the file is new in this version.
// A file that already has a backup keeps it, the live file may already be overwritten.
func (b *Manager) BackupFile(p string) error {
	live, err := b.layout.LivePath(p)
	if err != nil {
		return err
	}
	backup, err := b.layout.BackupFilePath(p)
	if err != nil {
		return err
	}
	return b.journal.ModifyState(func(j *Journal) error {
		if j.hasBackup(p) {
			log.Debugf("keeping existing backup of %s", p)
			return nil
		}
		exists, isDir, err := fileutils.ExistsAndIsDirectory(live)
		if err != nil {
			return err
		}
		if !exists || isDir {
			log.Debugf("nothing to back up for %s", p)
			return nil
		}
		if err := fileutils.EnsureParentDir(backup); err != nil {
			return err
		}
		if err := fileutils.CopyFile(live, backup); err != nil {
			return err
		}
		j.BackedUp = append(j.BackedUp, p)
		log.Debugf("Backed up: %s", p)
		return nil
	})
}

// Seal marks the journal as completed and records a digest of the backup area.
func (b *Manager) Seal() error {
	return b.journal.ModifyState(func(j *Journal) error {
		d, err := b.snapshot(j)
		if err != nil {
			return err
		}
		j.Completed = true
		j.SnapshotDigest = d
		return nil
	})
}

func (b *Manager) snapshot(j *Journal) (string, error) {
	return dirhash.Hash1(j.BackedUp, func(p string) (io.ReadCloser, error) {
		backup, err := b.layout.BackupFilePath(p)
		if err != nil {
			return nil, err
		}
		return os.Open(backup)
	})
}

// Rollback restores every backed up file and the previous version record.
// Every restore is attempted, failures are collected and returned together.
// Rolling back twice leaves the same state as rolling back once.
func (b *Manager) Rollback() error {
	j, ok, err := b.LoadJournal()
	if err != nil {
		return fmt.Errorf("%w: failed to load backup journal: %w", storage.ErrIO, err)
	}
	if !ok {
		log.Warn("no backup journal found, nothing to roll back")
		return nil
	}
	if j.SnapshotDigest != "" {
		if d, err := b.snapshot(&j); err != nil || d != j.SnapshotDigest {
			log.WithError(err).Warnf("backup area does not match its snapshot %s", j.SnapshotDigest)
		}
	}
	var errs []error
	for _, p := range j.Files {
		if !j.hasBackup(p) {
			continue
		}
		if err := b.restore(p); err != nil {
			log.WithError(err).Errorf("Rollback failed: %s", p)
			errs = append(errs, fmt.Errorf("restore %q: %w", p, err))
			continue
		}
		log.Infof("Rollback: %s", p)
	}
	if j.VersionExisted {
		if err := b.layout.WriteVersion(j.PreviousVersion); err != nil {
			errs = append(errs, fmt.Errorf("restore version record: %w", err))
		} else {
			log.Infof("Rollback: version record %s", j.PreviousVersion)
		}
	} else if err := b.layout.RemoveVersion(); err != nil {
		errs = append(errs, fmt.Errorf("remove version record: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: rollback incomplete: %w", storage.ErrIO, errors.Join(errs...))
	}
	return nil
}

func (b *Manager) restore(p string) error {
	live, err := b.layout.LivePath(p)
	if err != nil {
		return err
	}
	backup, err := b.layout.BackupFilePath(p)
	if err != nil {
		return err
	}
	if err := fileutils.EnsureParentDir(live); err != nil {
		return err
	}
	return fileutils.CopyFile(backup, live)
}
