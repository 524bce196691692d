package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/unbasical/doras-ota/internal/pkg/compression/gzip"
	"github.com/unbasical/doras-ota/internal/pkg/compression/zstd"
)

// ErrNetwork is returned for any failure to retrieve content from the repository.
var ErrNetwork = errors.New("network error")

// Transport retrieves content by URL.
type Transport interface {
	// Get returns the body of url, which the caller has to close.
	Get(ctx context.Context, url string) (io.ReadCloser, error)
	// Size returns the length of the content at url or -1 if the server does not announce it.
	Size(ctx context.Context, url string) (int64, error)
}

var acceptEncoding = zstd.ContentEncoding + ", " + gzip.ContentEncoding

type httpTransport struct {
	client   *http.Client
	compress bool
}

// TransportOption configures the HTTP transport.
type TransportOption func(*httpTransport)

// WithRetry retries requests that fail with transient errors or 429/5xx responses.
func WithRetry(enabled bool) TransportOption {
	return func(t *httpTransport) {
		if enabled {
			t.client.Transport = retry.NewTransport(t.client.Transport)
		}
	}
}

// WithTimeout limits the duration of a whole request including reading the body.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *httpTransport) {
		t.client.Timeout = d
	}
}

// WithCompression toggles requesting zstd or gzip encoded responses.
func WithCompression(enabled bool) TransportOption {
	return func(t *httpTransport) {
		t.compress = enabled
	}
}

// NewHTTPTransport returns a Transport backed by net/http.
func NewHTTPTransport(opts ...TransportOption) Transport {
	t := &httpTransport{
		client:   &http.Client{Transport: http.DefaultTransport},
		compress: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *httpTransport) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if t.compress && method == http.MethodGet {
		// setting the header disables the transparent decoding of net/http
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s: unexpected status %s", ErrNetwork, method, url, resp.Status)
	}
	return resp, nil
}

func (t *httpTransport) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := t.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case gzip.ContentEncoding, zstd.ContentEncoding:
		log.Debugf("decoding %s response for %s", encoding, url)
		decompress := gzip.NewDecompressor
		if encoding == zstd.ContentEncoding {
			decompress = zstd.NewDecompressor
		}
		rc, err := decompress(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return rc, nil
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: unsupported content encoding %q", ErrNetwork, encoding)
	}
}

func (t *httpTransport) Size(ctx context.Context, url string) (int64, error) {
	resp, err := t.do(ctx, http.MethodHead, url)
	if err != nil {
		return -1, err
	}
	_ = resp.Body.Close()
	return resp.ContentLength, nil
}

// networkReader tags read errors of a response body as network errors.
type networkReader struct {
	io.ReadCloser
}

func (n networkReader) Read(p []byte) (int, error) {
	c, err := n.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return c, err
}
