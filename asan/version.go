package asan

import (
	"golang.org/x/mod/semver"

	internal "github.com/kolkov/addrsanitizer/internal/asan/api"
)

// Version is the runtime version, a valid semantic version string.
const Version = internal.Version

// VersionOK reports whether the compiled-in version string is a valid
// semantic version. Release tooling asserts this before tagging.
func VersionOK() bool {
	return semver.IsValid(Version)
}
