// Package sourcebuild drives the full build of a single source record: the
// v2 (conda_outputs + build_v2) and v1 (fallback) protocols of §4.9.
package sourcebuild

import (
	"context"
	"runtime"
	"strings"

	"pixi.goldmine.build/go/buildbackend"
	"pixi.goldmine.build/go/buildcache"
	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sourcecheckout"
)

// Spec is SourceBuildSpec from §4.9.
type Spec struct {
	Source           pixitypes.SourceRecord
	ChannelConfig    pixitypes.ChannelConfig
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	Variants         map[string]pixitypes.VariantValue
	OutputDirectory  string
	EnabledProtocols pixitypes.EnabledProtocols
}

// PixiSolver runs the recursive solve (§4.7.2) needed to populate a build or
// host environment. A narrow interface rather than importing go/solve
// directly keeps sourcebuild decoupled from the solver backend wiring the
// caller chose.
type PixiSolver interface {
	SolvePixi(ctx context.Context, d *dispatcher.CommandDispatcher, binarySpecs []string, channels []string, platform string) ([]pixitypes.PixiRecord, error)
}

// Installer installs a solved record set into a fresh prefix (§4.9 step 6).
type Installer interface {
	Install(ctx context.Context, records []pixitypes.PixiRecord, prefix string) error
}

// BuildCache persists completed builds (§4.9 step 8, §4.10).
type BuildCache interface {
	Put(ctx context.Context, pinned pixitypes.PinnedSource, input pixitypes.BuildInput, built pixitypes.CachedBuild) error
}

// Driver owns the collaborators a source build needs.
type Driver struct {
	Checkout   *sourcecheckout.Resolver
	Backends   *buildbackend.Instantiator
	Solver     PixiSolver
	Installer  Installer
	BuildCache BuildCache
}

// outputsResult mirrors the backend's conda_outputs response (§4.9 step 2).
type outputsResult struct {
	Outputs []outputRecord `json:"outputs"`
}

type outputRecord struct {
	Subdir            string   `json:"subdir"`
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Build             string   `json:"build"`
	BuildDependencies []string `json:"build_dependencies"`
	HostDependencies  []string `json:"host_dependencies"`
	RunExports        pixitypes.RunExports `json:"run_exports"`
}

// buildV2Params is handed to conda_build_v1 (the "v2" protocol's build
// call, named conda_build_v1 at the wire level per §6).
type buildV2Params struct {
	BuildPrefix string                            `json:"build_prefix"`
	HostPrefix  string                            `json:"host_prefix"`
	Variant     map[string]pixitypes.VariantValue `json:"variant"`
}

type buildV0Params struct {
	WorkDirectory string                            `json:"work_directory"`
	Record        pixitypes.SourceRecord            `json:"record"`
	Variant       map[string]pixitypes.VariantValue `json:"variant"`
}

// Submit runs a source build, deduplicated by (pinned_source, BuildInput).
func (d *Driver) Submit(ctx context.Context, cd *dispatcher.CommandDispatcher, spec Spec) <-chan dispatcher.Result[pixitypes.RepoDataRecord] {
	key := spec.Source.Source.Pinned.CacheKey() + "\x00" + buildInput(spec).Hash()
	return dispatcher.Submit(ctx, cd, dispatcher.FamilySourceBuild, key, func(ctx context.Context, child *dispatcher.CommandDispatcher) (pixitypes.RepoDataRecord, error) {
		return d.build(ctx, child, spec)
	})
}

func (d *Driver) build(ctx context.Context, cd *dispatcher.CommandDispatcher, spec Spec) (pixitypes.RepoDataRecord, error) {
	checkoutRes := <-d.Checkout.Submit(ctx, cd, spec.Source.Source.Pinned, "")
	if checkoutRes.Err != nil {
		return pixitypes.RepoDataRecord{}, checkoutRes.Err
	}
	checkout := checkoutRes.Value

	disc, err := buildbackend.Discover(checkout.Path, spec.EnabledProtocols, nil)
	if err != nil {
		return pixitypes.RepoDataRecord{}, err
	}
	backendRes := <-d.Backends.Submit(ctx, cd, disc.Backend, checkout.Path)
	if backendRes.Err != nil {
		return pixitypes.RepoDataRecord{}, backendRes.Err
	}
	backend := backendRes.Value
	defer backend.Close()

	if backend.Capabilities().PreferV2() {
		return d.buildV2(ctx, cd, spec, checkout, backend, disc)
	}
	return d.buildV1(ctx, spec, checkout, backend)
}

func (d *Driver) buildV2(ctx context.Context, cd *dispatcher.CommandDispatcher, spec Spec, checkout pixitypes.SourceCheckout, backend *buildbackend.Backend, disc buildbackend.Result) (pixitypes.RepoDataRecord, error) {
	var outputs outputsResult
	if err := backend.CondaOutputs(map[string]interface{}{
		"host_platform":        spec.BuildEnvironment.HostPlatform,
		"build_platform":       spec.BuildEnvironment.BuildPlatform,
		"variant_configuration": spec.Variants,
		"work_directory":       checkout.Path,
	}, &outputs); err != nil {
		return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindCommunication, err)
	}

	out, ok := findOutput(outputs.Outputs, spec.Source)
	if !ok {
		return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindMissingOutput, skerr.Fmt(
			"no conda_outputs entry matches %s/%s==%s build %s", spec.Source.Subdir, spec.Source.Name, spec.Source.Version, spec.Source.Build))
	}

	buildRecords, err := d.Solver.SolvePixi(ctx, cd, out.BuildDependencies, spec.Channels, spec.BuildEnvironment.BuildPlatform)
	if err != nil {
		return pixitypes.RepoDataRecord{}, err
	}

	runExports := collectRunExports(buildRecords, spec.Source.IgnoreRunExports)

	hostDeps := append(append([]string(nil), out.HostDependencies...), runExports...)
	hostRecords, err := d.Solver.SolvePixi(ctx, cd, hostDeps, spec.Channels, spec.BuildEnvironment.HostPlatform)
	if err != nil {
		return pixitypes.RepoDataRecord{}, err
	}

	workDir := checkout.Path
	buildPrefix := workDir + "/bld"
	hostPrefix := paddedHostPrefix(workDir)

	if err := d.Installer.Install(ctx, buildRecords, buildPrefix); err != nil {
		return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindInstall, err)
	}
	if err := d.Installer.Install(ctx, hostRecords, hostPrefix); err != nil {
		return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindInstall, err)
	}

	var result pixitypes.RepoDataRecord
	if err := backend.BuildV1(buildV2Params{
		BuildPrefix: buildPrefix,
		HostPrefix:  hostPrefix,
		Variant:     spec.Variants,
	}, &result); err != nil {
		return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindCommunication, err)
	}

	if d.BuildCache != nil {
		cb := pixitypes.CachedBuild{Record: result}
		if !spec.Source.Source.Pinned.Immutable() {
			cb.Source = &pixitypes.CachedBuildSource{
				// ProjectModel stays nil here: full project-file parsing is
				// an external collaborator's job (§1), same as
				// buildbackend.PackageManifest; Configuration and
				// TargetConfiguration are what discovery actually extracted
				// from [package.build], so a real config change shows up as
				// a hash mismatch instead of always comparing zero values.
				PackageBuildInputHash: buildcache.PackageBuildInputHash(buildcache.Query{
					Configuration:       disc.Configuration,
					TargetConfiguration: disc.TargetConfiguration,
					BuildEnvironment:    spec.BuildEnvironment,
				}),
				Build: dependencySHAs(buildRecords),
				Host:  dependencySHAs(hostRecords),
			}
		}
		if err := d.BuildCache.Put(ctx, spec.Source.Source.Pinned, buildInput(spec), cb); err != nil {
			return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindCache, err)
		}
	}

	return result, nil
}

func (d *Driver) buildV1(ctx context.Context, spec Spec, checkout pixitypes.SourceCheckout, backend *buildbackend.Backend) (pixitypes.RepoDataRecord, error) {
	var result pixitypes.RepoDataRecord
	if err := backend.BuildV0(buildV0Params{
		WorkDirectory: checkout.Path,
		Record:        spec.Source,
		Variant:       spec.Variants,
	}, &result); err != nil {
		return pixitypes.RepoDataRecord{}, dispatcher.NewFailed(dispatcher.KindCommunication, err)
	}
	return result, nil
}

func findOutput(outputs []outputRecord, rec pixitypes.SourceRecord) (outputRecord, bool) {
	for _, o := range outputs {
		if o.Subdir == rec.Subdir && o.Name == rec.Name && o.Version == rec.Version && o.Build == rec.Build {
			return o, true
		}
	}
	return outputRecord{}, false
}

// collectRunExports extracts the run_exports slots of every build-
// environment record, minus anything named in ignore (§4.9 step 4).
func collectRunExports(records []pixitypes.PixiRecord, ignore []string) []string {
	ignored := make(map[string]bool, len(ignore))
	for _, n := range ignore {
		ignored[n] = true
	}
	var out []string
	for _, r := range records {
		var re pixitypes.RunExports
		switch r.Kind {
		case pixitypes.PixiRecordKindBinary:
			if r.Binary != nil {
				re = r.Binary.RunExports
			}
		case pixitypes.PixiRecordKindSource:
			if r.Source != nil {
				re = r.Source.RunExports
			}
		}
		if ignored[r.Name()] {
			continue
		}
		out = append(out, re.Weak...)
		out = append(out, re.Strong...)
		out = append(out, re.NoArch...)
	}
	return out
}

const hostPathPad = "_placehold"

// paddedHostPrefix pads the host environment path to 255 characters (on
// non-Windows) so binaries built against it stay relocatable if the final
// install prefix is longer (§4.9 step 6).
func paddedHostPrefix(workDir string) string {
	base := workDir + "/host_env"
	const target = 255
	if runtime.GOOS == "windows" || len(base) >= target {
		return base
	}
	padNeeded := target - len(base)
	pad := strings.Repeat(hostPathPad, padNeeded/len(hostPathPad)+1)[:padNeeded]
	return base + pad
}

func dependencySHAs(records []pixitypes.PixiRecord) pixitypes.BuildDependencySet {
	deps := pixitypes.BuildDependencySet{Packages: make(map[string]string, len(records))}
	for _, r := range records {
		if r.Kind == pixitypes.PixiRecordKindBinary && r.Binary != nil {
			deps.Packages[r.Binary.Name] = r.Binary.Sha256
		}
	}
	return deps
}

func buildInput(spec Spec) pixitypes.BuildInput {
	return pixitypes.BuildInput{
		ChannelURLs:          spec.ChannelConfig.BaseURLs,
		Name:                 spec.Source.Name,
		PackageVariant:       spec.Variants,
		HostPlatform:         spec.BuildEnvironment.HostPlatform,
		HostVirtualPackages:  spec.BuildEnvironment.HostVirtualPackages,
		BuildVirtualPackages: spec.BuildEnvironment.BuildVirtualPackages,
	}
}
