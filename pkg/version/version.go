package version

// Version is the application version, overridden at build time via
// -ldflags "-X wayfind/pkg/version.Version=...".
var Version = "0.9.0-dev"

// Protocol is the subscription stream protocol version sent in the hello frame.
const Protocol = 1
