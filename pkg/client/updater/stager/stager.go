// Package stager downloads the files of a release into the staging area and verifies them.
package stager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/transform"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/funcutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/readerutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/textutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/fetcher"
	"github.com/unbasical/doras-ota/pkg/client/updater/inspector"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/client/updater/verifier"
	"github.com/unbasical/doras-ota/pkg/constants"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// Source provides the content of release files.
type Source interface {
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// Stager populates the staging area of a Layout.
type Stager struct {
	layout     storage.Layout
	source     Source
	verifier   verifier.FileVerifier
	progress   *inspector.Progress
	normalized []string
}

// Option configures a Stager.
type Option func(*Stager)

// WithNormalizeExtensions sets the extensions of text files whose CRLF line endings are rewritten to LF.
func WithNormalizeExtensions(extensions []string) Option {
	return func(s *Stager) {
		s.normalized = extensions
	}
}

// WithProgress reports the download progress to p.
func WithProgress(p *inspector.Progress) Option {
	return func(s *Stager) {
		s.progress = p
	}
}

// New returns a Stager that downloads from source into the staging area of layout.
func New(layout storage.Layout, source Source, opts ...Option) *Stager {
	s := &Stager{
		layout:     layout,
		source:     source,
		verifier:   verifier.New(),
		progress:   &inspector.Progress{},
		normalized: constants.DefaultNormalizeExtensions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stager) shouldNormalize(p string) bool {
	return lo.Contains(s.normalized, path.Ext(p))
}

// Download stages and verifies every file of m in manifest order and finally stores m next to them.
// The first failure aborts the download and removes the staging area.
func (s *Stager) Download(ctx context.Context, m *manifest.Manifest) (err error) {
	if err := s.layout.Validate(m); err != nil {
		return err
	}
	s.progress.Reset(len(m.Files))
	defer func() {
		if err == nil {
			return
		}
		if cleanupErr := s.layout.RemoveStaging(); cleanupErr != nil {
			log.WithError(cleanupErr).Warn("failed to remove staging area after failed download")
		}
	}()
	if err := fileutils.EnsureDir(s.layout.StagingPath()); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrIO, err)
	}
	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.progress.SetCurrent(f.Path)
		dest, err := s.layout.StagedPath(f.Path)
		if err != nil {
			return err
		}
		log.Infof("Downloading: %s", f.Path)
		if err := s.stageFile(ctx, f.Path, dest); err != nil {
			return err
		}
		if err := s.verifier.VerifyFile(dest, f.Digest); err != nil {
			log.WithError(err).Errorf("Hash mismatch: %s", f.Path)
			return err
		}
		log.Infof("Downloaded %s", f.Path)
		s.progress.Complete()
	}
	if err := m.WriteFile(s.layout.StagedManifestPath()); err != nil {
		return fmt.Errorf("%w: failed to save manifest to staging area: %w", storage.ErrIO, err)
	}
	log.Debug("saved manifest to staging area")
	return nil
}

// stageFile streams the release file p into dest.
func (s *Stager) stageFile(ctx context.Context, p, dest string) error {
	if err := fileutils.EnsureParentDir(dest); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrIO, err)
	}
	rc, err := s.source.Open(ctx, p)
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(rc.Close, false, "failed to close download of "+p)
	var r io.Reader = readerutils.NewCountingReader(rc, s.progress.Bytes())
	if s.shouldNormalize(p) {
		r = transform.NewReader(r, textutils.NewCRLFNormalizer())
	}
	n, err := fileutils.WriteReaderAtomic(dest, r, 0644)
	if err != nil {
		if errors.Is(err, fetcher.ErrNetwork) {
			return fmt.Errorf("download of %q failed: %w", p, err)
		}
		return fmt.Errorf("%w: failed to stage %q: %w", storage.ErrIO, p, err)
	}
	log.Debugf("staged %d bytes of %q", n, p)
	return nil
}
