// Package device contains the boundaries of the updater to the rest of the device:
// rebooting, resource introspection and network connectivity.
package device

import (
	"context"
)

// Rebooter restarts the device so freshly applied firmware starts from a clean state.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Resources reports the headroom that is left for an update.
type Resources interface {
	FreeMemoryBytes(ctx context.Context) (uint64, error)
	FreeStorageBytes(ctx context.Context) (uint64, error)
}

// Connectivity reports the state of the network link, it never manages the link itself.
type Connectivity interface {
	IsConnected(ctx context.Context) bool
	CurrentAddress() (string, bool)
}
