package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/common"
	"github.com/unbasical/doras-ota/internal/pkg/publisher"
	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/internal/pkg/utils/logutils"
	"github.com/unbasical/doras-ota/pkg/constants"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

func main() {
	var (
		app = kingpin.New("ota-server", "Publishes a release directory for the ota-agent")

		// commands
		serve    = app.Command("serve", "Serve a release directory over HTTP")
		serveDir = serve.Arg("dir", "release directory").Required().ExistingDir()
		host     = serve.Flag("host", "address to listen on").Default(":8080").Envar("OTA_HOST").String()
		compress = serve.Flag("compress", "compress responses for clients that accept zstd or gzip").Default("true").Envar("OTA_COMPRESS").Bool()

		gen     = app.Command("manifest", "Write manifest.json and version.txt for a release directory")
		genDir  = gen.Arg("dir", "release directory").Required().ExistingDir()
		bump    = gen.Flag("bump", "part of the version to increment").Default("patch").Enum("major", "minor", "patch", "none")
		version = app.Command("version", "Show the version of the server")
		// Logging
		logLevel  = app.Flag("log-level", "Log-Level, must be one of [DEBUG, INFO, WARN, ERROR]").Default("INFO").Envar("LOG_LEVEL").Enum("DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error")
		logFormat = app.Flag("log-format", "Log-Format, must be one of [TEXT, JSON]").Default("TEXT").Envar("LOG_FORMAT").Enum("TEXT", "JSON")
	)
	app.HelpFlag.Short('h')

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	if err := logutils.Setup(*logLevel, *logFormat); err != nil {
		log.Fatal(err)
	}

	switch cmd {
	case serve.FullCommand():
		if log.GetLevel() < log.DebugLevel {
			gin.SetMode(gin.ReleaseMode)
		}
		r := publisher.BuildApp(&publisher.Config{ReleaseDir: *serveDir, Compress: *compress})
		log.Infof("serving %s on %s", *serveDir, *host)
		if err := r.Run(*host); err != nil {
			log.Fatal(err)
		}
	case gen.FullCommand():
		if err := writeManifest(*genDir, *bump); err != nil {
			log.Fatal(err)
		}
	case version.FullCommand():
		fmt.Println(common.Version())
	}
}

// writeManifest bumps the version of dir and stores a manifest of its files.
func writeManifest(dir, bump string) error {
	current, err := publisher.ReadVersion(dir)
	if err != nil {
		return err
	}
	next := current
	if bump != "none" {
		if next, err = manifest.BumpVersion(current, bump); err != nil {
			return err
		}
	}
	m, err := manifest.Build(dir, next)
	if err != nil {
		return err
	}
	if err := fileutils.WriteFileAtomic(filepath.Join(dir, constants.VersionFileName), []byte(next+"\n"), 0o644); err != nil {
		return err
	}
	if err := m.WriteFile(filepath.Join(dir, constants.ManifestFileName)); err != nil {
		return err
	}
	log.Infof("manifest for version %s with %d files written (previous version %s)", next, len(m.Files), current)
	return nil
}
