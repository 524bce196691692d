// Package updater drives over-the-air updates of the files of a device.
//
// An update cycle spans reboots: the Scheduler downloads a release and leaves a marker,
// Boot applies it on the next start, and the start after that verifies and commits it or rolls it back.
package updater

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/client/updater/applier"
	"github.com/unbasical/doras-ota/pkg/client/updater/backupmanager"
	"github.com/unbasical/doras-ota/pkg/client/updater/fetcher"
	"github.com/unbasical/doras-ota/pkg/client/updater/inspector"
	"github.com/unbasical/doras-ota/pkg/client/updater/stager"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/client/updater/updaterstate"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// Engine runs the individual steps of an update.
// Only one step runs at a time, a concurrent call fails with ErrUpdateInProgress.
// Progress and Status may be called at any time.
type Engine struct {
	opts     engineOpts
	layout   storage.Layout
	fetcher  *fetcher.Fetcher
	stager   *stager.Stager
	applier  *applier.Applier
	backups  *backupmanager.Manager
	marker   *updaterstate.Store
	progress *inspector.Progress

	busy atomic.Bool

	mu     sync.Mutex
	remote *manifest.Manifest
}

// acquire marks the engine as busy, the returned function releases it.
func (e *Engine) acquire() (release func(), err error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, NewUpdaterError(ErrUpdateInProgress, nil)
	}
	return func() {
		e.busy.Store(false)
	}, nil
}

// report logs the progress until the returned function is called.
func (e *Engine) report(ctx context.Context) (stop func()) {
	if e.opts.ReportInterval <= 0 {
		return func() {}
	}
	return inspector.StartReporter(ctx, e, e.opts.ReportInterval)
}

// CheckForUpdate fetches the manifest and reports whether it offers a version other than the installed one.
// A failed fetch is logged and reported as no update together with the error.
func (e *Engine) CheckForUpdate(ctx context.Context) (bool, error) {
	release, err := e.acquire()
	if err != nil {
		return false, err
	}
	defer release()
	m, err := e.fetcher.FetchManifest(ctx)
	if err != nil {
		log.WithError(err).Error("OTA: Failed to fetch manifest")
		return false, wrap(err)
	}
	local := e.layout.CurrentVersion()
	log.Infof("OTA → Local: %s | Remote: %s", local, m.Version)
	e.setRemote(m)
	return manifest.HasUpdate(m.Version, local), nil
}

// DownloadUpdate stages the release found by the last CheckForUpdate.
func (e *Engine) DownloadUpdate(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	m := e.Remote()
	if m == nil || !manifest.HasUpdate(m.Version, e.layout.CurrentVersion()) {
		return NewUpdaterError(ErrNoUpdate, nil)
	}
	stop := e.report(ctx)
	defer stop()
	if err := e.stager.Download(ctx, m); err != nil {
		log.WithError(err).Error("OTA download failed")
		return wrap(err)
	}
	log.Info("Download complete")
	return nil
}

// ApplyUpdate replaces the live files with the staged release. A failed apply has already been rolled back.
func (e *Engine) ApplyUpdate(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	stop := e.report(ctx)
	defer stop()
	if err := e.applier.Apply(); err != nil {
		return wrap(err)
	}
	return nil
}

// Rollback restores the files and the version record saved by the last apply.
func (e *Engine) Rollback(_ context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	return wrap(e.backups.Rollback())
}

// rollbackInstalled rolls back only if the backup area belongs to the installed version.
// Otherwise the backups stem from an earlier, already committed update.
func (e *Engine) rollbackInstalled(ctx context.Context) error {
	j, ok, err := e.backups.LoadJournal()
	if err != nil {
		return wrap(err)
	}
	local := e.layout.CurrentVersion()
	if !ok || j.Version != local {
		log.Warnf("backup area does not belong to installed version %s, skipping rollback", local)
		return nil
	}
	return e.Rollback(ctx)
}

// appliedInstalled reports whether the backup area records a completed apply of version
// and that version is the installed one.
func (e *Engine) appliedInstalled(version string) (bool, error) {
	j, ok, err := e.backups.LoadJournal()
	if err != nil || !ok {
		return false, err
	}
	return j.Completed && j.Version == version && e.layout.CurrentVersion() == version, nil
}

// Progress returns the progress of the running or last download or apply in percent.
func (e *Engine) Progress() int {
	return e.progress.Progress()
}

// Status describes the file in flight and the progress.
func (e *Engine) Status() string {
	return e.progress.Status()
}

// DownloadedBytes returns the number of bytes transferred by the running or last download.
func (e *Engine) DownloadedBytes() uint64 {
	return e.progress.Bytes().Load()
}

// Remote returns the manifest seen by the last successful CheckForUpdate.
func (e *Engine) Remote() *manifest.Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *Engine) setRemote(m *manifest.Manifest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = m
}

// EstimateDownloadSize sums up the announced sizes of the files of the remote release.
func (e *Engine) EstimateDownloadSize(ctx context.Context) (int64, error) {
	m := e.Remote()
	if m == nil {
		return 0, NewUpdaterError(ErrNoUpdate, errors.New("no manifest fetched yet"))
	}
	return e.fetcher.EstimateSize(ctx, m), nil
}

// Layout returns where the engine keeps its files.
func (e *Engine) Layout() storage.Layout {
	return e.layout
}

// Marker returns the store of the pending update marker.
func (e *Engine) Marker() *updaterstate.Store {
	return e.marker
}

// Fetcher returns the client of the repository.
func (e *Engine) Fetcher() *fetcher.Fetcher {
	return e.fetcher
}
