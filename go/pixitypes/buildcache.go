package pixitypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// VariantValue is a single build-time configuration value (e.g. the value
// bound to "python" in a package_variant map). It is either a plain string
// or a list of strings (a "down-prioritized" multi-value variant).
type VariantValue struct {
	Value  string
	Values []string
}

// BuildInput is hashed to form the SourceBuildCache key (§3, §4.10). Two
// BuildInputs that hash identically are treated as requesting the same
// cached build.
type BuildInput struct {
	ChannelURLs        []string
	Name               string
	PackageVariant     map[string]VariantValue
	HostPlatform       string
	HostVirtualPackages  []string
	BuildVirtualPackages []string
}

// Hash returns a stable content hash of the BuildInput, used as the
// directory name under <cache>/source-builds/.
func (b BuildInput) Hash() string {
	channels := append([]string(nil), b.ChannelURLs...)
	sort.Strings(channels)
	hostVpkgs := append([]string(nil), b.HostVirtualPackages...)
	sort.Strings(hostVpkgs)
	buildVpkgs := append([]string(nil), b.BuildVirtualPackages...)
	sort.Strings(buildVpkgs)

	variantKeys := make([]string, 0, len(b.PackageVariant))
	for k := range b.PackageVariant {
		variantKeys = append(variantKeys, k)
	}
	sort.Strings(variantKeys)
	orderedVariant := make([]struct {
		Key   string
		Value VariantValue
	}, 0, len(variantKeys))
	for _, k := range variantKeys {
		orderedVariant = append(orderedVariant, struct {
			Key   string
			Value VariantValue
		}{k, b.PackageVariant[k]})
	}

	canonical := struct {
		ChannelURLs    []string
		Name           string
		PackageVariant []struct {
			Key   string
			Value VariantValue
		}
		HostPlatform         string
		HostVirtualPackages  []string
		BuildVirtualPackages []string
	}{channels, b.Name, orderedVariant, b.HostPlatform, hostVpkgs, buildVpkgs}

	buf, _ := json.Marshal(canonical)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// BuildDependencySet records the SHA256 of every package that participated
// in one side (build or host) of a cached build, so staleness checks can
// detect a transitive rebuild without re-resolving anything.
type BuildDependencySet struct {
	Packages map[string]string // package name -> sha256
}

// CachedBuildSource is the provenance block of a CachedBuild: present only
// when the build came from a mutable source.
type CachedBuildSource struct {
	Globs                   []string
	Timestamp               int64 // unix nanos, mtime of the newest tracked file at build time
	PackageBuildInputHash   string
	Build                   BuildDependencySet
	Host                    BuildDependencySet
}

// CachedBuild is the persisted record of a completed source build (§3, §6).
type CachedBuild struct {
	Record RepoDataRecord
	Source *CachedBuildSource
}

// CacheStatus is the result of a staleness query (§4.10).
type CacheStatus int

const (
	CacheStatusMissing CacheStatus = iota
	CacheStatusStale
	CacheStatusUpToDate
	CacheStatusNew
)

func (s CacheStatus) String() string {
	switch s {
	case CacheStatusMissing:
		return "missing"
	case CacheStatusStale:
		return "stale"
	case CacheStatusUpToDate:
		return "up-to-date"
	case CacheStatusNew:
		return "new"
	default:
		return "unknown"
	}
}
