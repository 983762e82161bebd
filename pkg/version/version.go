// Package version records build metadata.
package version

// Version is the service version, overridable at build time with
// -ldflags "-X .../pkg/version.Version=...".
var Version = "1.2.0"
