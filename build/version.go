package build

import "fmt"

// Commit stores the current commit hash of this build, this should be
// set using the -ldflags during compilation.
var Commit string

const (
	// appMajor defines the major version of this binary.
	appMajor uint = 0

	// appMinor defines the minor version of this binary.
	appMinor uint = 3

	// appPatch defines the application patch for this binary.
	appPatch uint = 0

	// appPreRelease must only contain characters from the semantic
	// version alphabet per the semver spec.
	appPreRelease = "beta"
)

// Version returns the application version as a properly formed string
// per the semantic versioning 2.0.0 spec (https://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)

	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	if Commit != "" {
		version = fmt.Sprintf("%s commit=%s", version, Commit)
	}

	return version
}
