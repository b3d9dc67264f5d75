package sigbridge

// Version is the release of the bridge protocol and tooling.
const Version = "0.3.0"
