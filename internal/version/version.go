package version

import (
	_ "embed"
	"runtime"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String is the version line printed by the CLI and sent as the MCP
// server version.
func String() string {
	return "switchboard " + Get() + " (" + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
