package engine

// Version identifies the engine build in manifests and hash chains. Two runs
// are only comparable when their versions match.
const Version = "0.4.0"
