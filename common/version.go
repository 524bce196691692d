package common

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var version string

// Version returns the version of the agent and server binaries.
func Version() string {
	return strings.TrimSpace(version)
}
