package common

// PackageName is the service identifier used for metrics and logging tags.
const PackageName = "kms-gateway"

// Version is set at build time via -ldflags.
var Version = "dev"
