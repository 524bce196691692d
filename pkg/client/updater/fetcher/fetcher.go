// Package fetcher retrieves the manifest and the release files from the update repository.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/buildurl"
	"github.com/unbasical/doras-ota/pkg/constants"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// Fetcher resolves manifest paths against the repository URL.
type Fetcher struct {
	repoURL   string
	transport Transport
}

// New returns a Fetcher for the repository at repoURL.
func New(repoURL string, transport Transport) *Fetcher {
	return &Fetcher{
		repoURL:   repoURL,
		transport: transport,
	}
}

// RepoURL returns the repository the fetcher reads from.
func (f *Fetcher) RepoURL() string {
	return f.repoURL
}

// FileURL returns the location of the manifest path p in the repository.
func (f *Fetcher) FileURL(p string) string {
	return buildurl.New(
		buildurl.WithBasePath(f.repoURL),
		buildurl.WithRelativePath(p),
	)
}

// FetchManifest retrieves and decodes the manifest of the repository.
// Failures are either ErrNetwork or manifest.ErrInvalid.
func (f *Fetcher) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	u := f.FileURL(constants.ManifestFileName)
	log.Debugf("fetching manifest from %s", u)
	rc, err := f.transport.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	m, err := manifest.Parse(networkReader{rc})
	if err != nil {
		if errors.Is(err, ErrNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("manifest from %s: %w", u, err)
	}
	return m, nil
}

// Open returns the content of the release file p. Read errors wrap ErrNetwork.
func (f *Fetcher) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, err := f.transport.Get(ctx, f.FileURL(p))
	if err != nil {
		return nil, err
	}
	return networkReader{rc}, nil
}

// EstimateSize sums up the announced sizes of all files of m.
// Files whose size is unknown or cannot be queried do not contribute.
func (f *Fetcher) EstimateSize(ctx context.Context, m *manifest.Manifest) int64 {
	var total int64
	for _, file := range m.Files {
		size, err := f.transport.Size(ctx, f.FileURL(file.Path))
		if err != nil {
			log.WithError(err).Debugf("size of %q is unknown", file.Path)
			continue
		}
		if size > 0 {
			total += size
		}
	}
	return total
}
