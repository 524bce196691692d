package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-ota/pkg/manifest"
)

const validManifest = `{"version":"1.2.0","files":{"app.py":"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"}}`

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchManifest(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "ok", status: http.StatusOK, body: validManifest},
		{name: "not found", status: http.StatusNotFound, body: "nope", wantErr: ErrNetwork},
		{name: "server error", status: http.StatusInternalServerError, body: "", wantErr: ErrNetwork},
		{name: "malformed", status: http.StatusOK, body: `{"version":`, wantErr: manifest.ErrInvalid},
		{name: "missing version", status: http.StatusOK, body: `{"files":{}}`, wantErr: manifest.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/fw/manifest.json", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			f := New(srv.URL+"/fw/", NewHTTPTransport())
			m, err := f.FetchManifest(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "1.2.0", m.Version)
			assert.Equal(t, []string{"app.py"}, m.Paths())
		})
	}
}

func TestFetchManifestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	_, err := New(u, NewHTTPTransport()).FetchManifest(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestOpenDecodesCompressedContent(t *testing.T) {
	content := bytes.Repeat([]byte("print('hello')\n"), 100)
	for _, encoding := range []string{"", "gzip", "zstd"} {
		t.Run("encoding="+encoding, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/lib/my%20file.py", r.URL.EscapedPath())
				assert.Equal(t, "zstd, gzip", r.Header.Get("Accept-Encoding"))
				switch encoding {
				case "gzip":
					w.Header().Set("Content-Encoding", "gzip")
					gzw := gzip.NewWriter(w)
					_, _ = gzw.Write(content)
					_ = gzw.Close()
				case "zstd":
					w.Header().Set("Content-Encoding", "zstd")
					zw, _ := zstd.NewWriter(w)
					_, _ = zw.Write(content)
					_ = zw.Close()
				default:
					_, _ = w.Write(content)
				}
			})
			rc, err := New(srv.URL, NewHTTPTransport()).Open(context.Background(), "lib/my file.py")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, content, got)
		})
	}
}

func TestOpenWithoutCompression(t *testing.T) {
	content := []byte("print('hello')\n")
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.Header.Get("Accept-Encoding"), "zstd")
		_, _ = w.Write(content)
	})
	rc, err := New(srv.URL, NewHTTPTransport(WithCompression(false))).Open(context.Background(), "app.py")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, got)
}

func TestOpenRejectsUnknownEncoding(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte("x"))
	})
	_, err := New(srv.URL, NewHTTPTransport()).Open(context.Background(), "app.py")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, validManifest)
	})

	_, err := New(srv.URL, NewHTTPTransport(WithRetry(false))).FetchManifest(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)

	calls.Store(0)
	m, err := New(srv.URL, NewHTTPTransport(WithRetry(true))).FetchManifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEstimateSize(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		switch r.URL.Path {
		case "/a.py":
			w.Header().Set("Content-Length", "100")
		case "/b.py":
			w.Header().Set("Content-Length", "23")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	m, err := manifest.Parse(bytes.NewBufferString(`{"version":"1","files":{` +
		`"a.py":"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",` +
		`"b.py":"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",` +
		`"missing.py":"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(123), New(srv.URL, NewHTTPTransport()).EstimateSize(context.Background(), m))
}

func TestNetworkReaderTagsErrors(t *testing.T) {
	r := networkReader{io.NopCloser(iotest.ErrReader(io.ErrUnexpectedEOF))}
	_, err := r.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, ErrNetwork))
}
