package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/unbasical/doras-ota/pkg/client/updater/applier"
	"github.com/unbasical/doras-ota/pkg/client/updater/fetcher"
	"github.com/unbasical/doras-ota/pkg/client/updater/healthchecker"
	"github.com/unbasical/doras-ota/pkg/client/updater/storage"
	"github.com/unbasical/doras-ota/pkg/client/updater/validator"
	"github.com/unbasical/doras-ota/pkg/client/updater/verifier"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

// UpdaterError tags the cause of a failed operation with one of the error kinds below.
// Both the kind and the cause can be matched with errors.Is.
type UpdaterError struct {
	cause error
	kind  error
}

func (u UpdaterError) Error() string {
	if u.cause == nil {
		return u.kind.Error()
	}
	// causes built on the kind already name it
	if errors.Is(u.cause, u.kind) {
		return u.cause.Error()
	}
	return fmt.Sprintf("%s: %s", u.kind.Error(), u.cause.Error())
}

func (u UpdaterError) Unwrap() []error {
	if u.cause == nil {
		return []error{u.kind}
	}
	return []error{u.kind, u.cause}
}

// Kind returns the error kind.
func (u UpdaterError) Kind() error {
	return u.kind
}

// NewUpdaterError tags cause with kind, a nil cause yields an error that only carries the kind.
func NewUpdaterError(kind error, cause error) error {
	return UpdaterError{
		cause: cause,
		kind:  kind,
	}
}

var (
	ErrNetwork                  = fetcher.ErrNetwork
	ErrHashMismatch             = verifier.ErrHashMismatch
	ErrIO                       = storage.ErrIO
	ErrResourceExhausted        = validator.ErrResourceExhausted
	ErrManifestInvalid          = manifest.ErrInvalid
	ErrMissingManifest          = applier.ErrMissingManifest
	ErrUpdateInProgress         = errors.New("an update operation is already in progress")
	ErrNoUpdate                 = errors.New("no update available")
	ErrCommitVerificationFailed = healthchecker.ErrCommitVerificationFailed
)

// kinds is ordered by precedence, a manifest that could not be read completely is a network problem.
var kinds = []error{
	ErrUpdateInProgress,
	ErrNetwork,
	ErrHashMismatch,
	ErrMissingManifest,
	ErrManifestInvalid,
	ErrResourceExhausted,
	ErrCommitVerificationFailed,
	ErrNoUpdate,
	ErrIO,
}

// wrap tags err with its error kind, errors that match no kind are local I/O failures.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var u UpdaterError
	if errors.As(err, &u) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return NewUpdaterError(kind, err)
		}
	}
	if errors.Is(err, storage.ErrReservedPath) {
		return NewUpdaterError(ErrManifestInvalid, err)
	}
	return NewUpdaterError(ErrIO, err)
}
