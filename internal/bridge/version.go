package bridge

// Version is the build version, overridden at release time via
// -ldflags "-X ugbridge/internal/bridge.Version=...".
var Version = "dev"
