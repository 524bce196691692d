package statemanager

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/fileutils"
)

var (
	// ErrNoState is returned by Read if nothing is stored at the path.
	ErrNoState = errors.New("no state stored")
	// ErrCorruptState is returned by Read if the stored content cannot be decoded.
	ErrCorruptState = errors.New("stored state is not decodable")
)

// Manager is a generic wrapper around a state object T which is serialized to the storage as JSON.
// It provides ways to safely mutate the state, backed by file locks.
type Manager[T any] struct {
	state T
	path  string
}

// NewLazy returns a state manager for path that does not touch the disk until it is used.
func NewLazy[T any](defaultState T, path string) *Manager[T] {
	return &Manager[T]{
		state: defaultState,
		path:  path,
	}
}

// Path returns the location of the state file.
func (m *Manager[T]) Path() string {
	return m.path
}

// lockPath keeps lock files out of the directory of the state file.
func (m *Manager[T]) lockPath() string {
	abs, err := filepath.Abs(m.path)
	if err != nil {
		abs = m.path
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return filepath.Join(os.TempDir(), "state_lock_"+hex.EncodeToString(sum[:8]))
}

func (m *Manager[T]) lock(shared bool) (*flock.Flock, error) {
	fileLock := flock.New(m.lockPath())
	var err error
	if shared {
		err = fileLock.RLock()
	} else {
		err = fileLock.Lock()
	}
	if err != nil {
		return nil, err
	}
	return fileLock, nil
}

// write atomically replaces the state file, the caller has to hold the exclusive lock.
func (m *Manager[T]) write() error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(m.state); err != nil {
		return err
	}
	return fileutils.WriteFileAtomic(m.path, buf.Bytes(), 0600)
}

// Commit acquires an exclusive lock, then atomically writes the current state to the file.
func (m *Manager[T]) Commit() error {
	fileLock, err := m.lock(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	return m.write()
}

// Set replaces the in-memory state and commits it.
func (m *Manager[T]) Set(state T) error {
	m.state = state
	return m.Commit()
}

// isUndecodable reports whether err stems from empty or garbled content rather than from I/O.
func isUndecodable(err error) bool {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &syntaxError) ||
		errors.As(err, &typeError)
}

// Read acquires a shared lock and decodes the stored state.
// It does not fall back to the in-memory state, a missing or garbled file yields ErrNoState or ErrCorruptState.
func (m *Manager[T]) Read() (T, error) {
	var zero T
	fileLock, err := m.lock(true)
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, ErrNoState
		}
		return zero, err
	}
	var state T
	if err := json.Unmarshal(data, &state); err != nil {
		if isUndecodable(err) {
			return zero, errors.Join(ErrCorruptState, err)
		}
		return zero, err
	}
	m.state = state
	return state, nil
}

// Remove deletes the state file, removing a missing file is not an error.
func (m *Manager[T]) Remove() error {
	fileLock, err := m.lock(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ModifyState acquires an exclusive lock, loads the current state.
// It then calls the callback function on the state to modify it before writing back to disk.
func (m *Manager[T]) ModifyState(cb func(*T) error) error {
	fileLock, err := m.lock(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	// attempt to load the current state from disk, use memory state if we can not
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else {
		oldState := m.state
		if err = json.Unmarshal(data, &m.state); err != nil {
			// cover cases where state file is empty
			if !isUndecodable(err) {
				return err
			}
			log.WithError(err).Debugf("state in %q is not decodable, starting from in-memory state", m.path)
			m.state = oldState
		}
	}
	// work on a copy so a failing callback leaves the state untouched
	next := m.state
	if err = cb(&next); err != nil {
		return err
	}
	m.state = next
	return m.write()
}
