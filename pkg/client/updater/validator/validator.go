// Package validator decides whether a release may be downloaded.
package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-ota/pkg/client/updater/device"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// ErrResourceExhausted is returned if the device lacks the headroom for a download.
var ErrResourceExhausted = errors.New("insufficient resources for update")

// DownloadValidator checks a release before it is downloaded.
// size is the estimated number of bytes that the download transfers.
type DownloadValidator interface {
	Validate(ctx context.Context, m *manifest.Manifest, size uint64) error
}

// Recorder is implemented by validators that account for completed downloads.
type Recorder interface {
	Record(bytes uint64) error
}

// ResourceValidator requires free memory above a threshold and free storage for the release plus a margin.
type ResourceValidator struct {
	Resources       device.Resources
	MemoryThreshold uint64
	StorageMargin   uint64
}

func (r ResourceValidator) Validate(ctx context.Context, _ *manifest.Manifest, size uint64) error {
	freeMem, err := r.Resources.FreeMemoryBytes(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to query free memory: %w", ErrResourceExhausted, err)
	}
	if freeMem < r.MemoryThreshold {
		return fmt.Errorf("%w: free memory %d below threshold %d", ErrResourceExhausted, freeMem, r.MemoryThreshold)
	}
	freeStorage, err := r.Resources.FreeStorageBytes(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to query free storage: %w", ErrResourceExhausted, err)
	}
	if required := size + r.StorageMargin; freeStorage < required {
		return fmt.Errorf("%w: free storage %d below required %d", ErrResourceExhausted, freeStorage, required)
	}
	log.Debugf("admitted download: %d bytes of memory free, %d bytes of storage free", freeMem, freeStorage)
	return nil
}

// SizeLimitedValidator ensures that the size of a release does not exceed a specified limit.
type SizeLimitedValidator struct {
	Limit uint64
}

func (s SizeLimitedValidator) Validate(_ context.Context, _ *manifest.Manifest, size uint64) error {
	return checkSizeLimit(size, 0, s.Limit)
}

// VolumeLimitValidator limits the bytes downloaded within a sliding period, e.g. on metered links.
// Every completed download is stored as a file in StatsDir named after its UTC unix time.
type VolumeLimitValidator struct {
	StatsDir string
	Limit    uint64
	Period   time.Duration
	now      func() time.Time
}

func (v VolumeLimitValidator) clock() time.Time {
	if v.now != nil {
		return v.now().UTC()
	}
	return time.Now().UTC()
}

// consumedVolume sums up the records of the period and deletes older ones.
func (v VolumeLimitValidator) consumedVolume() (uint64, error) {
	entries, err := os.ReadDir(v.StatsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read directory %s: %w", v.StatsDir, err)
	}
	now := v.clock()
	var sum uint64
	for _, entry := range entries {
		fullPath := filepath.Join(v.StatsDir, entry.Name())
		ts, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || entry.IsDir() {
			log.Debugf("ignoring %s in download statistics", fullPath)
			continue
		}
		if now.Sub(time.Unix(ts, 0).UTC()) > v.Period {
			if err := os.Remove(fullPath); err != nil {
				return sum, fmt.Errorf("failed to delete old file %s: %w", fullPath, err)
			}
			continue
		}
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return sum, fmt.Errorf("failed to read file %s: %w", fullPath, err)
		}
		value, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return sum, fmt.Errorf("failed to parse uint64 from file %s: %w", fullPath, err)
		}
		sum += value
	}
	return sum, nil
}

// Validate checks if the release fits into what is left of the volume of the period.
func (v VolumeLimitValidator) Validate(_ context.Context, _ *manifest.Manifest, size uint64) error {
	consumed, err := v.consumedVolume()
	if err != nil {
		return err
	}
	return checkSizeLimit(size, consumed, v.Limit)
}

// Record stores the volume of a completed download.
func (v VolumeLimitValidator) Record(bytes uint64) error {
	if err := fileutils.EnsureDir(v.StatsDir); err != nil {
		return fmt.Errorf("failed to ensure directory %s: %w", v.StatsDir, err)
	}
	name := strconv.FormatInt(v.clock().Unix(), 10)
	return fileutils.WriteFileAtomic(filepath.Join(v.StatsDir, name), []byte(strconv.FormatUint(bytes, 10)), 0600)
}

func checkSizeLimit(size, baseSize, limit uint64) error {
	if size+baseSize > limit {
		return fmt.Errorf("%w: release + base size (%d + %d bytes) surpasses limit (%d bytes)", ErrResourceExhausted, size, baseSize, limit)
	}
	return nil
}
