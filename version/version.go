// Package version holds the build identity of bootctr.
package version

var (
	// Version is the bootctr release. Set with
	// -ldflags "-X github.com/ktock/bootctr/version.Version=...".
	Version = "<unknown>"

	// Revision is the git commit bootctr was built from. Set like Version.
	Revision = "<unknown>"
)
