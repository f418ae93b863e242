package pixitypes

// BuildEnvironment pairs the platform a build runs on with the platform its
// output targets, plus the virtual packages recorded against each (§4.6,
// §4.9). It is shared by source-metadata requests, solves, and the source
// build driver rather than redefined per package.
type BuildEnvironment struct {
	BuildPlatform        string
	BuildVirtualPackages []string
	HostPlatform         string
	HostVirtualPackages  []string
}

// ChannelConfig is the narrowed channel configuration the core consumes
// from the workspace loader (§6): base URLs plus whatever per-channel
// overrides the manifest declared. Full manifest parsing is out of scope
// (§1); this is the shape handed across that boundary.
type ChannelConfig struct {
	BaseURLs []string
	Mirrors  map[string][]string
}

// EnabledProtocols gates which build-backend wire protocols discovery and
// metadata/build requests are allowed to use.
type EnabledProtocols struct {
	RattlerBuild bool
}
