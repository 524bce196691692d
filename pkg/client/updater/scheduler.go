package updater

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/backoff"
	"github.com/unbasical/doras-ota/pkg/client/updater/device"
	"github.com/unbasical/doras-ota/pkg/client/updater/updaterstate"
	"github.com/unbasical/doras-ota/pkg/client/updater/validator"
)

// Scheduler periodically checks for updates during normal operation and prepares them for the next boot.
type Scheduler struct {
	engine          *Engine
	rebooter        device.Rebooter
	interval        time.Duration
	memoryThreshold uint64
	storageMargin   uint64
	validators      []validator.DownloadValidator
	failureBackoff  backoff.Strategy
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between two checks.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithMemoryThreshold sets the free memory a download requires.
func WithMemoryThreshold(bytes uint64) SchedulerOption {
	return func(s *Scheduler) {
		s.memoryThreshold = bytes
	}
}

// WithStorageMargin sets the free storage a download requires on top of the size of the release.
func WithStorageMargin(bytes uint64) SchedulerOption {
	return func(s *Scheduler) {
		s.storageMargin = bytes
	}
}

// WithValidators adds checks that a release has to pass before it is downloaded.
func WithValidators(v ...validator.DownloadValidator) SchedulerOption {
	return func(s *Scheduler) {
		s.validators = append(s.validators, v...)
	}
}

// WithFailureBackoff waits according to b instead of the fixed interval after failed checks.
func WithFailureBackoff(b backoff.Strategy) SchedulerOption {
	return func(s *Scheduler) {
		s.failureBackoff = b
	}
}

// NewScheduler returns a Scheduler that checks every minute.
func NewScheduler(e *Engine, resources device.Resources, rebooter device.Rebooter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   e,
		rebooter: rebooter,
		interval: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validators = append([]validator.DownloadValidator{validator.ResourceValidator{
		Resources:       resources,
		MemoryThreshold: s.memoryThreshold,
		StorageMargin:   s.storageMargin,
	}}, s.validators...)
	return s
}

// Run checks for updates until ctx is done or the device reboots into a downloaded update.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		rebooting, err := s.RunOnce(ctx)
		if rebooting {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).Warn("update check failed, retrying later")
		}
		if err := s.wait(ctx, err != nil); err != nil {
			return nil
		}
	}
}

// wait sleeps until the next check. After a failure the backoff decides, once it is exhausted
// the fixed interval applies again.
func (s *Scheduler) wait(ctx context.Context, failed bool) error {
	if s.failureBackoff == nil {
		return backoff.Sleep(ctx, s.interval)
	}
	if !failed {
		s.failureBackoff.Reset()
		return backoff.Sleep(ctx, s.interval)
	}
	err := s.failureBackoff.Wait(ctx)
	if errors.Is(err, backoff.ErrMaxRetriesExceeded) {
		s.failureBackoff.Reset()
		return backoff.Sleep(ctx, s.interval)
	}
	return err
}

// RunOnce performs a single check and, if an update is available and admitted, downloads it,
// leaves the marker for the next boot and reboots.
func (s *Scheduler) RunOnce(ctx context.Context) (rebooting bool, err error) {
	_, present, err := s.engine.Marker().Load()
	if err != nil {
		return false, wrap(err)
	}
	if present {
		log.Debug("an update cycle is in flight, skipping check")
		return false, nil
	}
	available, err := s.engine.CheckForUpdate(ctx)
	if err != nil || !available {
		return false, err
	}
	if err := s.admit(ctx); err != nil {
		return false, err
	}
	if err := s.engine.DownloadUpdate(ctx); err != nil {
		return false, err
	}
	s.record(s.engine.DownloadedBytes())
	version := s.engine.Remote().Version
	if err := s.engine.Marker().Set(updaterstate.PhasePendingApply, version); err != nil {
		if cleanupErr := s.engine.Layout().RemoveStaging(); cleanupErr != nil {
			log.WithError(cleanupErr).Warn("failed to remove staging area")
		}
		return false, NewUpdaterError(ErrIO, err)
	}
	log.Infof("update to %s scheduled, rebooting", version)
	return true, s.rebooter.Reboot(ctx)
}

// admit runs the validators against the remote release.
func (s *Scheduler) admit(ctx context.Context) error {
	estimated, err := s.engine.EstimateDownloadSize(ctx)
	if err != nil {
		return err
	}
	m := s.engine.Remote()
	for _, v := range s.validators {
		if err := v.Validate(ctx, m, uint64(estimated)); err != nil {
			log.WithError(err).Warnf("download of %s rejected", m.Version)
			return wrap(err)
		}
	}
	return nil
}

// record passes the volume of a completed download to the validators that account for it.
func (s *Scheduler) record(bytes uint64) {
	for _, v := range s.validators {
		r, ok := v.(validator.Recorder)
		if !ok {
			continue
		}
		if err := r.Record(bytes); err != nil {
			log.WithError(err).Warn("failed to record download volume")
		}
	}
}
