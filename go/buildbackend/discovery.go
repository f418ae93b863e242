package buildbackend

import (
	"os"
	"path/filepath"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
)

const rattlerBuildBackendName = "rattler-build"

// Result is what Discover resolves from a source directory: the backend to
// instantiate, plus the raw configuration/target-configuration bytes a
// [package.build] section carries (§4.5's "configuration, and per-target
// configuration from the [package.build] table"). These two are kept off
// BackendSpec itself since BackendSpec.CacheKey drives tool-environment
// instantiation caching (§4.5) and per-package build configuration must not
// perturb that key.
type Result struct {
	Backend             pixitypes.BackendSpec
	Configuration       []byte
	TargetConfiguration []byte
}

// Discover inspects sourceDir (no I/O beyond reading a single manifest) and
// returns the Result it should be built with.
//
// Precedence: recipe.yaml / recipe/recipe.yml selects the canonical
// rattler-build backend when enabled; otherwise a pixi manifest carrying a
// [package] section supplies the backend requirement directly; otherwise
// discovery fails.
func Discover(sourceDir string, protocols pixitypes.EnabledProtocols, manifest *PackageManifest) (Result, error) {
	if protocols.RattlerBuild && hasRecipeFile(sourceDir) {
		return Result{Backend: pixitypes.BackendSpec{
			Name: rattlerBuildBackendName,
			Environment: pixitypes.ToolEnvironmentSpec{
				BinaryPackage: rattlerBuildBackendName,
			},
		}}, nil
	}

	if manifest != nil && manifest.Package != nil {
		build := manifest.Package.Build
		return Result{
			Backend: pixitypes.BackendSpec{
				Name: build.Backend.Name,
				Environment: pixitypes.ToolEnvironmentSpec{
					BinaryPackage:  build.Backend.Name,
					AdditionalDeps: build.AdditionalRequirements,
					Channels:       build.Channels,
					Constraints:    build.Backend.Constraints,
				},
			},
			Configuration:       build.Configuration,
			TargetConfiguration: build.TargetConfiguration,
		}, nil
	}

	return Result{}, dispatcher.NewFailed(dispatcher.KindDiscovery,
		skerr.Fmt("no recipe.yaml and no [package.build] section found under %s", sourceDir))
}

func hasRecipeFile(sourceDir string) bool {
	for _, candidate := range []string{
		filepath.Join(sourceDir, "recipe.yaml"),
		filepath.Join(sourceDir, "recipe", "recipe.yml"),
	} {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return true
		}
	}
	return false
}

// PackageManifest is the narrowed view of a pixi manifest's [package]
// section the dispatcher core needs (§1: full TOML parsing is an external
// collaborator's job; this is the shape it hands over).
type PackageManifest struct {
	Package *PackageSection
}

type PackageSection struct {
	Build PackageBuildSection
}

type PackageBuildSection struct {
	Backend                BackendRequirement
	AdditionalRequirements []string
	Channels               []string

	// Configuration and TargetConfiguration are the raw bytes of the
	// [package.build.configuration] and [package.build.target-configuration]
	// sub-tables, already serialized by the manifest-parsing collaborator
	// (full TOML parsing is out of scope here, see PackageManifest). They
	// feed buildcache.Query/PackageBuildInputHash (§4.10 step 3) so a
	// project-configuration change can be detected without reparsing TOML.
	Configuration       []byte
	TargetConfiguration []byte
}

type BackendRequirement struct {
	Name        string
	Constraints []string
}
