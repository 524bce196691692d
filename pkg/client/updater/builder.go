package updater

import (
	"errors"
	"time"

	"github.com/unbasical/doras-ota/pkg/client/updater/applier"
	"github.com/unbasical/doras-ota/pkg/client/updater/backupmanager"
	"github.com/unbasical/doras-ota/pkg/client/updater/fetcher"
	"github.com/unbasical/doras-ota/pkg/client/updater/inspector"
	"github.com/unbasical/doras-ota/pkg/client/updater/stager"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/client/updater/updaterstate"
	"github.com/unbasical/doras-ota/pkg/constants"
)

type engineOpts struct {
	RepoURL             string
	Layout              storage.Layout
	Transport           fetcher.Transport
	NormalizeExtensions []string
	ReportInterval      time.Duration
}

// NewEngine creates an update engine with the provided options.
func NewEngine(options ...func(*Engine)) (*Engine, error) {
	e := &Engine{
		opts: engineOpts{
			Layout:              storage.NewLayout("/"),
			NormalizeExtensions: constants.DefaultNormalizeExtensions(),
			ReportInterval:      inspector.DefaultReportInterval,
		},
		progress: &inspector.Progress{},
	}
	for _, option := range options {
		option(e)
	}
	if e.opts.RepoURL == "" {
		return nil, errors.New("repository URL is required")
	}
	if e.opts.Transport == nil {
		e.opts.Transport = fetcher.NewHTTPTransport()
	}
	e.layout = e.opts.Layout
	e.fetcher = fetcher.New(e.opts.RepoURL, e.opts.Transport)
	e.backups = backupmanager.New(e.layout)
	e.stager = stager.New(e.layout, e.fetcher,
		stager.WithProgress(e.progress),
		stager.WithNormalizeExtensions(e.opts.NormalizeExtensions),
	)
	e.applier = applier.New(e.layout, e.backups, applier.WithProgress(e.progress))
	e.marker = updaterstate.NewStore(e.layout.MarkerPath())
	return e, nil
}

// WithRepoURL sets the repository that serves manifest.json and the release files.
func WithRepoURL(repoURL string) func(*Engine) {
	return func(e *Engine) {
		e.opts.RepoURL = repoURL
	}
}

// WithRoot places the live files and all update areas below root.
func WithRoot(root string) func(*Engine) {
	return func(e *Engine) {
		e.opts.Layout.Root = root
	}
}

// WithLayout replaces the whole on-device layout.
func WithLayout(layout storage.Layout) func(*Engine) {
	return func(e *Engine) {
		e.opts.Layout = layout
	}
}

// WithTransport sets how content is retrieved from the repository.
func WithTransport(t fetcher.Transport) func(*Engine) {
	return func(e *Engine) {
		e.opts.Transport = t
	}
}

// WithNormalizeExtensions sets the extensions of text files whose line endings are normalized while downloading.
func WithNormalizeExtensions(extensions []string) func(*Engine) {
	return func(e *Engine) {
		e.opts.NormalizeExtensions = extensions
	}
}

// WithReportInterval sets how often progress is logged during download and apply. Zero disables reporting.
func WithReportInterval(d time.Duration) func(*Engine) {
	return func(e *Engine) {
		e.opts.ReportInterval = d
	}
}
