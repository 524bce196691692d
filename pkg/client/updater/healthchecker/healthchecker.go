// Package healthchecker decides whether freshly applied firmware may be committed.
package healthchecker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/client/updater/device"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

var (
	// ErrNotConnected is returned while the device has no working network link.
	ErrNotConnected = errors.New("device is not connected")
	// ErrVersionMismatch is returned while the repository still offers a version other than the local one.
	ErrVersionMismatch = errors.New("remote version differs from local version")
)

// HealthChecker performs a single health check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Func adapts a function to the HealthChecker interface.
type Func func(ctx context.Context) error

// HealthCheck calls f.
func (f Func) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

type shellHealthChecker struct {
	cmd []string
}

func (s *shellHealthChecker) HealthCheck(ctx context.Context) error {
	if len(s.cmd) == 0 {
		log.Debug("no command to execute, assuming healthy")
		return nil
	}
	return exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...).Run()
}

// NewShellHealthChecker runs cmd and treats a non-zero exit code as unhealthy.
func NewShellHealthChecker(cmd []string) HealthChecker {
	return &shellHealthChecker{
		cmd: cmd,
	}
}

// NewConnectivityChecker fails while conn reports no connectivity.
func NewConnectivityChecker(conn device.Connectivity) HealthChecker {
	return Func(func(ctx context.Context) error {
		if !conn.IsConnected(ctx) {
			return ErrNotConnected
		}
		if addr, ok := conn.CurrentAddress(); ok {
			log.Debugf("connected with address %s", addr)
		}
		return nil
	})
}

// ManifestSource fetches the manifest the repository currently serves.
type ManifestSource interface {
	FetchManifest(ctx context.Context) (*manifest.Manifest, error)
}

// NewVersionChecker fails unless the repository serves the version that is installed locally.
func NewVersionChecker(source ManifestSource, localVersion func() string) HealthChecker {
	return Func(func(ctx context.Context) error {
		m, err := source.FetchManifest(ctx)
		if err != nil {
			return err
		}
		local := localVersion()
		log.Infof("OTA → Local: %s | Remote: %s", local, m.Version)
		if manifest.HasUpdate(m.Version, local) {
			return fmt.Errorf("%w: local %s, remote %s", ErrVersionMismatch, local, m.Version)
		}
		return nil
	})
}

// Chain runs checkers in order and stops at the first failure.
func Chain(checkers ...HealthChecker) HealthChecker {
	return Func(func(ctx context.Context) error {
		for _, c := range checkers {
			if err := c.HealthCheck(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
