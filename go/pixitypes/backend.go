package pixitypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ToolEnvironmentSpec is the environment a build backend needs to run in:
// one required binary package plus whatever else the backend's recipe
// declares, resolved against a set of channels and constraints.
type ToolEnvironmentSpec struct {
	BinaryPackage    string
	AdditionalDeps   []string
	Channels         []string
	Constraints      []string
}

// normalized returns a copy with sorted slices, so two semantically
// identical specs compare equal and hash identically regardless of the
// order their fields were populated in.
func (s ToolEnvironmentSpec) normalized() ToolEnvironmentSpec {
	out := s
	out.AdditionalDeps = sortedCopy(s.AdditionalDeps)
	out.Channels = sortedCopy(s.Channels)
	out.Constraints = sortedCopy(s.Constraints)
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// BackendSpec names an RPC-speaking build tool and the environment it should
// run in. Two BackendSpecs are equal iff their normalized form is identical;
// that equality drives tool-environment caching (§4.5).
type BackendSpec struct {
	Name        string
	Environment ToolEnvironmentSpec
}

// CacheKey returns a stable key for BackendSpec equality / caching.
func (b BackendSpec) CacheKey() string {
	norm := struct {
		Name        string
		Environment ToolEnvironmentSpec
	}{b.Name, b.Environment.normalized()}
	buf, _ := json.Marshal(norm)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two BackendSpecs normalize identically.
func (b BackendSpec) Equal(other BackendSpec) bool {
	return b.CacheKey() == other.CacheKey()
}

// Capabilities are the RPC procedures a spawned backend announced support
// for during initialize(). The source-build driver (§4.9) prefers
// CondaOutputs + CondaBuildV1 ("v2") when available, falling back to
// CondaMetadata + CondaBuildV0 ("v1") otherwise. Modeled as independent
// booleans (rather than a single v1/v2 enum) per original_source's
// versioned capability list -- see DESIGN.md.
type Capabilities struct {
	CondaMetadata bool
	CondaOutputs  bool
	CondaBuildV0  bool
	CondaBuildV1  bool
}

// PreferV2 reports whether the backend supports the conda_outputs +
// conda_build_v1 protocol pair.
func (c Capabilities) PreferV2() bool {
	return c.CondaOutputs && c.CondaBuildV1
}
