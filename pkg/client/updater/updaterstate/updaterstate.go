// Package updaterstate persists the pending update marker that survives reboots.
package updaterstate

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/client/updater/statemanager"
)

// Phase tells the boot procedure what to do with a pending update.
type Phase string

const (
	// PhaseUnknown is reported for a marker whose content cannot be read.
	PhaseUnknown Phase = ""
	// PhasePendingApply means an update is staged and has to be applied.
	PhasePendingApply Phase = "pending-apply"
	// PhasePendingCommitVerify means an update was applied and has to be verified before it is committed.
	PhasePendingCommitVerify Phase = "pending-commit-verify"
)

func (p Phase) String() string {
	if p == PhaseUnknown {
		return "unknown"
	}
	return string(p)
}

// Marker is the content of the pending update marker.
type Marker struct {
	Phase   Phase  `json:"phase"`
	Version string `json:"version,omitempty"`
}

// Store reads and writes the marker file.
type Store struct {
	m *statemanager.Manager[Marker]
}

// NewStore returns a Store for the marker at path.
func NewStore(path string) *Store {
	return &Store{m: statemanager.NewLazy(Marker{}, path)}
}

// Path returns the location of the marker.
func (s *Store) Path() string {
	return s.m.Path()
}

// Load reports whether a marker exists and what it contains.
// A marker that exists but cannot be decoded is returned with PhaseUnknown.
func (s *Store) Load() (marker Marker, present bool, err error) {
	marker, err = s.m.Read()
	switch {
	case err == nil:
	case errors.Is(err, statemanager.ErrNoState):
		return Marker{}, false, nil
	case errors.Is(err, statemanager.ErrCorruptState):
		log.WithError(err).Warnf("pending update marker %q is unreadable", s.m.Path())
		return Marker{Phase: PhaseUnknown}, true, nil
	default:
		return Marker{}, false, err
	}
	switch marker.Phase {
	case PhasePendingApply, PhasePendingCommitVerify:
	default:
		log.Warnf("pending update marker %q has unknown phase %q", s.m.Path(), marker.Phase)
		marker.Phase = PhaseUnknown
	}
	return marker, true, nil
}

// Set atomically writes the marker.
func (s *Store) Set(phase Phase, version string) error {
	if phase != PhasePendingApply && phase != PhasePendingCommitVerify {
		return fmt.Errorf("refusing to store marker with phase %q", phase)
	}
	log.Debugf("setting pending update marker to %s (version %q)", phase, version)
	return s.m.Set(Marker{Phase: phase, Version: version})
}

// Clear removes the marker, a missing marker is not an error.
func (s *Store) Clear() error {
	log.Debug("clearing pending update marker")
	return s.m.Remove()
}
