// Package publisher serves a release directory the way the update agent expects it:
// manifest.json at the top and every file below its relative path.
package publisher

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/compression/gzip"
	"github.com/unbasical/doras-ota/internal/pkg/compression/zstd"
	"github.com/unbasical/doras-ota/internal/pkg/utils/funcutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/pathsanitize"
	"github.com/unbasical/doras-ota/pkg/constants"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// Config describes the release that is published.
type Config struct {
	// ReleaseDir holds the files of the release.
	ReleaseDir string
	// Compress enables zstd or gzip encoded responses for clients that accept them.
	Compress bool
}

// BuildApp returns a router that serves the release described by config.
func BuildApp(config *Config) *gin.Engine {
	log.Debug("Building app")
	r := gin.New()
	r.Use(gin.Recovery())
	p := &publisher{config: config}
	r.GET("/*filepath", p.get)
	r.HEAD("/*filepath", p.head)
	return r
}

type publisher struct {
	config *Config
}

// manifestBytes returns the manifest of the release directory.
// A manifest.json inside of it wins over one generated on the fly.
func (p *publisher) manifestBytes() ([]byte, error) {
	stored := filepath.Join(p.config.ReleaseDir, constants.ManifestFileName)
	data, err := os.ReadFile(stored)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	version, err := ReadVersion(p.config.ReleaseDir)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Build(p.config.ReleaseDir, version)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(m, "", "  ")
}

// resolve maps a request path to a regular file of the release.
func (p *publisher) resolve(requestPath string) (string, os.FileInfo, error) {
	rel, err := pathsanitize.CleanRelative(strings.TrimPrefix(requestPath, "/"))
	if err != nil {
		return "", nil, err
	}
	full, err := pathsanitize.JoinInRoot(p.config.ReleaseDir, rel)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, os.ErrNotExist
	}
	return full, info, nil
}

func isManifest(requestPath string) bool {
	return strings.TrimPrefix(requestPath, "/") == constants.ManifestFileName
}

func (p *publisher) get(c *gin.Context) {
	requestPath := c.Param("filepath")
	if isManifest(requestPath) {
		data, err := p.manifestBytes()
		if err != nil {
			log.WithError(err).Error("failed to provide manifest")
			c.Status(http.StatusInternalServerError)
			return
		}
		p.write(c, bytes.NewReader(data), int64(len(data)), "application/json")
		return
	}
	full, info, err := p.resolve(requestPath)
	if err != nil {
		log.WithError(err).Debugf("rejected request for %q", requestPath)
		c.Status(http.StatusNotFound)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		log.WithError(err).Errorf("failed to open %s", full)
		c.Status(http.StatusInternalServerError)
		return
	}
	defer funcutils.PanicOrLogOnErr(f.Close, false, "failed to close file")
	p.write(c, f, info.Size(), "application/octet-stream")
}

func (p *publisher) head(c *gin.Context) {
	requestPath := c.Param("filepath")
	var size int64
	if isManifest(requestPath) {
		data, err := p.manifestBytes()
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		size = int64(len(data))
	} else {
		_, info, err := p.resolve(requestPath)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		size = info.Size()
	}
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)
}

// negotiate picks the content coding for a request, zstd wins over gzip.
func (p *publisher) negotiate(acceptEncoding string) string {
	if !p.config.Compress {
		return ""
	}
	accepted := lo.Map(strings.Split(acceptEncoding, ","), func(e string, _ int) string {
		name, _, _ := strings.Cut(e, ";")
		return strings.ToLower(strings.TrimSpace(name))
	})
	for _, encoding := range []string{zstd.ContentEncoding, gzip.ContentEncoding} {
		if lo.Contains(accepted, encoding) {
			return encoding
		}
	}
	return ""
}

// write streams the content, compressed if the client accepts it.
func (p *publisher) write(c *gin.Context, r io.Reader, size int64, contentType string) {
	encoding := p.negotiate(c.GetHeader("Accept-Encoding"))
	if encoding == "" {
		c.DataFromReader(http.StatusOK, size, contentType, r, nil)
		return
	}
	var w io.WriteCloser
	if encoding == zstd.ContentEncoding {
		zw, err := zstd.NewCompressor(c.Writer)
		if err != nil {
			log.WithError(err).Error("failed to create zstd encoder")
			c.Status(http.StatusInternalServerError)
			return
		}
		w = zw
	} else {
		w = gzip.NewCompressor(c.Writer)
	}
	c.Header("Content-Encoding", encoding)
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(w, r); err != nil {
		log.WithError(err).Error("failed to send compressed content")
	}
	funcutils.PanicOrLogOnErr(w.Close, false, "failed to finish compressed content")
}

// ReadVersion returns the release version stored in the version file of dir.
func ReadVersion(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, constants.VersionFileName))
	if errors.Is(err, os.ErrNotExist) {
		return constants.DefaultLocalVersion, nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
