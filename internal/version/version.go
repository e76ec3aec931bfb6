// Package version reports the shim build version.
package version

import "runtime/debug"

// version is set at build time via -ldflags "-X shim/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the ldflags version, or the module version recorded by
// `go install` when none was set.
func String() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return version
}
