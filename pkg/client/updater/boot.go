package updater

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/client/updater/applier"
	"github.com/unbasical/doras-ota/pkg/client/updater/device"
	"github.com/unbasical/doras-ota/pkg/client/updater/healthchecker"
	"github.com/unbasical/doras-ota/pkg/client/updater/updaterstate"
)

// Outcome is the result of the boot procedure.
type Outcome int

const (
	// Idle means no update was pending.
	Idle Outcome = iota
	// Committed means the applied update was verified and the marker is cleared.
	Committed
	// RolledBack means the update failed, the previous files are restored and the marker is cleared.
	RolledBack
	// Rebooting means the update was applied and the device restarts into it.
	Rebooting
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	case Rebooting:
		return "rebooting"
	default:
		return "unknown"
	}
}

// Orchestrator advances a pending update once at every boot, before normal operation starts.
type Orchestrator struct {
	engine   *Engine
	rebooter device.Rebooter
	verifier *healthchecker.CommitVerifier
}

// NewOrchestrator returns an Orchestrator that restarts the device with rebooter after applying
// and decides about committing with verifier.
func NewOrchestrator(e *Engine, rebooter device.Rebooter, verifier *healthchecker.CommitVerifier) *Orchestrator {
	return &Orchestrator{
		engine:   e,
		rebooter: rebooter,
		verifier: verifier,
	}
}

// Boot inspects the marker and drives the pending update one step further.
// Every terminal outcome clears the marker, only a successful apply reboots.
// The returned error describes why an update was rolled back or could not be continued.
func (o *Orchestrator) Boot(ctx context.Context) (Outcome, error) {
	marker, present, err := o.engine.Marker().Load()
	if err != nil {
		return Idle, wrap(err)
	}
	if !present {
		log.Info("No OTA pending")
		return Idle, nil
	}
	log.Infof("OTA flag found (phase %s)", marker.Phase)
	phase := marker.Phase
	if phase == updaterstate.PhaseUnknown {
		phase = o.probe()
		log.Infof("inferred phase %s from the device state", phase)
	}
	if phase == updaterstate.PhasePendingApply {
		return o.apply(ctx, marker.Version)
	}
	return o.verify(ctx)
}

// probe infers the phase of a marker whose content is unreadable.
// A staged release that is not fully installed yet still has to be applied.
func (o *Orchestrator) probe() updaterstate.Phase {
	layout := o.engine.Layout()
	m, err := applier.LoadStagedManifest(layout)
	if err != nil {
		log.WithError(err).Debug("no usable staging area")
		return updaterstate.PhasePendingCommitVerify
	}
	applied, err := applier.IsApplied(layout, m)
	if err != nil {
		log.WithError(err).Warn("failed to compare live files with staging area")
		return updaterstate.PhasePendingApply
	}
	if applied && layout.CurrentVersion() == m.Version {
		return updaterstate.PhasePendingCommitVerify
	}
	return updaterstate.PhasePendingApply
}

// apply installs the staged release. A staging area that is already gone after a completed apply
// means the device lost power before the marker advanced, so the installed release is verified instead.
func (o *Orchestrator) apply(ctx context.Context, version string) (Outcome, error) {
	if err := o.engine.ApplyUpdate(ctx); err != nil {
		if errors.Is(err, ErrMissingManifest) {
			applied, jErr := o.engine.appliedInstalled(version)
			if jErr != nil {
				log.WithError(jErr).Warn("failed to read backup journal")
			}
			if applied {
				log.Infof("update to %s was already applied, verifying", version)
				if err := o.engine.Marker().Set(updaterstate.PhasePendingCommitVerify, version); err != nil {
					log.WithError(err).Warn("failed to record that the update was applied")
				}
				return o.verify(ctx)
			}
		}
		log.WithError(err).Warn("Apply failed, update rolled back")
		o.clear()
		return RolledBack, err
	}
	version = o.engine.Layout().CurrentVersion()
	if err := o.engine.Marker().Set(updaterstate.PhasePendingCommitVerify, version); err != nil {
		log.WithError(err).Error("failed to record that the update was applied")
	}
	log.Info("Update successful. Rebooting.")
	if err := o.rebooter.Reboot(ctx); err != nil {
		return Rebooting, wrap(err)
	}
	return Rebooting, nil
}

func (o *Orchestrator) verify(ctx context.Context) (Outcome, error) {
	err := o.verifier.Verify(ctx)
	if err == nil {
		o.clear()
		log.Infof("update to %s committed", o.engine.Layout().CurrentVersion())
		return Committed, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// keep the marker, verification starts over on the next boot
		return Idle, err
	}
	log.WithError(err).Error("commit verification failed, rolling back")
	if rollbackErr := o.engine.rollbackInstalled(ctx); rollbackErr != nil {
		log.WithError(rollbackErr).Error("rollback was incomplete")
		err = errors.Join(err, rollbackErr)
	}
	o.clear()
	return RolledBack, wrap(err)
}

// clear removes the marker. A marker that can not be removed is retried on the next boot, never escalated.
func (o *Orchestrator) clear() {
	if err := o.engine.Marker().Clear(); err != nil {
		log.WithError(err).Warn("Failed to remove pending update marker")
		return
	}
	log.Info("OTA flag cleared")
}

// NewCommitVerifier checks that the device is online and that the repository serves the installed version.
func NewCommitVerifier(e *Engine, conn device.Connectivity, attempts uint, delay time.Duration, extra ...healthchecker.HealthChecker) *healthchecker.CommitVerifier {
	checks := append([]healthchecker.HealthChecker{
		healthchecker.NewConnectivityChecker(conn),
		healthchecker.NewVersionChecker(e.Fetcher(), e.Layout().CurrentVersion),
	}, extra...)
	return &healthchecker.CommitVerifier{
		Check:    healthchecker.Chain(checks...),
		Attempts: attempts,
		Delay:    delay,
	}
}
