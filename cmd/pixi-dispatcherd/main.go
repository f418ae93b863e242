// Command pixi-dispatcherd is an example standalone driver: it wires every
// command-dispatcher task family (go/gitfetch, go/sourcecheckout,
// go/buildbackend, go/sourcemetadata, go/solve, go/install, go/sourcebuild,
// go/buildcache) into a single process and runs one top-level pixi solve +
// install for the environment named on the command line.
//
// CLI flag parsing and manifest/workspace discovery live only here, never in
// the library packages.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/otiai10/copy"

	"pixi.goldmine.build/go/buildbackend"
	"pixi.goldmine.build/go/buildcache"
	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/gitfetch"
	"pixi.goldmine.build/go/globhash"
	"pixi.goldmine.build/go/install"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sklog"
	"pixi.goldmine.build/go/solve"
	"pixi.goldmine.build/go/sourcebuild"
	"pixi.goldmine.build/go/sourcecheckout"
	"pixi.goldmine.build/go/sourcemetadata"
)

var (
	cacheDir      = flag.String("cache_dir", "", "Root directory for on-disk caches (package cache, source metadata, source builds). Required.")
	workspaceRoot = flag.String("workspace_root", ".", "Workspace root that PinnedPath sources are resolved relative to.")
	prefix        = flag.String("prefix", "", "Target environment prefix to install into. Required.")
	platform      = flag.String("platform", "linux-64", "Target platform for the solve.")
	channels      = multiStringFlag("channel", "Conda channel base URL; may be repeated.")
	matchSpecs    = multiStringFlag("spec", "Binary match-spec to solve for; may be repeated.")
	maxSolves     = flag.Int("max_concurrent_solves", 4, "Upper bound on concurrent conda solves.")
	maxDownloads  = flag.Int("max_concurrent_downloads", 8, "Upper bound on concurrent package downloads.")
)

// multiStringFlag registers a flag.Value that appends every occurrence to a
// slice, the same pattern common.NewMultiStringFlag uses for --repo, but
// without pulling in go/common's much larger init/auth/metrics surface for a
// single repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func multiStringFlag(name, usage string) *stringList {
	var s stringList
	flag.Var(&s, name, usage)
	return &s
}

func main() {
	flag.Parse()
	if *cacheDir == "" || *prefix == "" {
		sklog.Fatalf("--cache_dir and --prefix are required")
	}
	if len(*matchSpecs) == 0 {
		sklog.Fatalf("at least one --spec is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatcher.New(dispatcher.Config{
		CacheDir:               *cacheDir,
		MaxConcurrentSolves:    *maxSolves,
		MaxConcurrentDownloads: *maxDownloads,
		Reporter:               dispatcher.NewLoggingReporter(sklog.Infof),
	})
	defer d.Close()

	fetcher := gitfetch.NewFetcher(filepath.Join(*cacheDir, "git"))
	checkout := sourcecheckout.NewResolver(*workspaceRoot, filepath.Join(*cacheDir, "archives"), http.DefaultClient, fetcher)
	globHashCache := globhash.NewCache()

	solverBackend := unimplementedSolverBackend{}

	env := &driver{
		dispatcher: d,
		cacheDir:   *cacheDir,
		prefix:     *prefix,
		client:     http.DefaultClient,
		solver:     solverBackend,
		checkout:   checkout,
	}

	backends := buildbackend.NewInstantiator(env)
	meta := sourcemetadata.NewResolver(filepath.Join(*cacheDir, "source-metadata"), backends, globHashCache, nil)
	env.backends = backends
	env.meta = meta

	buildStore := buildcache.NewStore(filepath.Join(*cacheDir, "source-builds"), env)
	sourceBuildDriver := &sourcebuild.Driver{
		Checkout:   checkout,
		Backends:   backends,
		Solver:     env,
		Installer:  env,
		BuildCache: &buildCacheAdapter{store: buildStore, seen: env},
	}
	env.sourceBuild = sourceBuildDriver

	spec := solve.PixiSolveSpec{
		Name:        "cli-environment",
		BinarySpecs: toMatchSpecs(*matchSpecs),
		Platform:    *platform,
		Channels:    *channels,
	}

	sklog.Infof("pixi-dispatcherd: solving %d spec(s) against %d channel(s) for %s", len(*matchSpecs), len(*channels), *platform)
	res := <-solve.Submit(ctx, d, meta, solverBackend, spec)
	if res.Err != nil {
		sklog.Fatalf("solve failed: %v", res.Err)
	}

	ops, err := install.Plan(install.Spec{
		Name:    "cli-environment",
		Records: res.Value,
		Prefix:  *prefix,
	})
	if err != nil {
		sklog.Fatalf("planning install: %v", err)
	}
	sklog.Infof("pixi-dispatcherd: executing %d install operation(s) into %s", len(ops), *prefix)

	result, err := install.Execute(ctx, ops, *prefix, env, env, *maxDownloads)
	if err != nil {
		sklog.Fatalf("install failed (%d/%d operations completed, prefix dirty=%v): %v", len(result.Completed), len(ops), result.Dirty, err)
	}
	sklog.Infof("pixi-dispatcherd: installed %d package(s) into %s", len(result.Completed), *prefix)
}

func toMatchSpecs(specs []string) []solve.MatchSpec {
	out := make([]solve.MatchSpec, len(specs))
	for i, s := range specs {
		out[i] = solve.MatchSpec(s)
	}
	return out
}

// unimplementedSolverBackend stands in for the SAT/PubGrub-style dependency
// solver: the core only converts to and from a solver's task/record shape
// and never implements resolution itself. A real deployment replaces this
// with a process that speaks solve.Backend against the actual solver.
type unimplementedSolverBackend struct{}

func (unimplementedSolverBackend) Solve(ctx context.Context, task solve.SolveTask) ([]solve.SolverRecord, error) {
	return nil, skerr.Fmt("no solver backend wired: pixi-dispatcherd is an example driver demonstrating task composition, not a solver implementation")
}

// driver adapts the concrete collaborators (HTTP download, filesystem
// linking, tool-environment resolution, pixi solve, install, dependency
// lookups) the library packages' narrow interfaces ask for, so main can wire
// the whole stack without any library package importing another's concrete
// type.
type driver struct {
	dispatcher *dispatcher.CommandDispatcher
	cacheDir   string
	prefix     string
	client     *http.Client
	solver     solve.Backend
	checkout   *sourcecheckout.Resolver
	backends   *buildbackend.Instantiator
	meta       *sourcemetadata.Resolver
	sourceBuild *sourcebuild.Driver

	mu        sync.Mutex
	builtDeps map[string]pixitypes.CachedBuild
}

// Resolve implements buildbackend.ToolEnvironmentResolver: a build backend's
// tool environment is itself just a pixi solve + install, scoped under its
// own cache-keyed prefix, reusing the exact same collaborators the top-level
// CLI invocation uses.
func (e *driver) Resolve(ctx context.Context, spec pixitypes.ToolEnvironmentSpec) (string, error) {
	binarySpecs := append([]string{spec.BinaryPackage}, spec.AdditionalDeps...)
	condaSpec := solve.CondaSolveSpec{
		Name:        "tool-env:" + spec.BinaryPackage,
		BinarySpecs: toMatchSpecs(append(binarySpecs, spec.Constraints...)),
		Channels:    spec.Channels,
		Platform:    "", // tool environments run on the host platform, resolved by the caller's repodata
	}
	res := <-solve.Submit(ctx, e.dispatcher, e.solver, condaSpec)
	if res.Err != nil {
		return "", dispatcher.NewFailed(dispatcher.KindInitialize, res.Err)
	}

	toolPrefix := filepath.Join(e.cacheDir, "tool-envs", sha256Hex(spec.BinaryPackage+"\x00"+strings.Join(spec.Channels, ",")))
	if err := e.Install(ctx, res.Value, toolPrefix); err != nil {
		return "", err
	}
	return toolPrefix, nil
}

// SolvePixi implements sourcebuild.PixiSolver.
func (e *driver) SolvePixi(ctx context.Context, d *dispatcher.CommandDispatcher, binarySpecs []string, channels []string, platform string) ([]pixitypes.PixiRecord, error) {
	res := <-solve.Submit(ctx, d, e.meta, e.solver, solve.PixiSolveSpec{
		Name:        "source-build-deps",
		BinarySpecs: toMatchSpecs(binarySpecs),
		Channels:    channels,
		Platform:    platform,
	})
	return res.Value, res.Err
}

// Install implements sourcebuild.Installer and is reused directly as the
// top-level CLI's own install step.
func (e *driver) Install(ctx context.Context, records []pixitypes.PixiRecord, prefix string) error {
	ops, err := install.Plan(install.Spec{Name: prefix, Records: records, Prefix: prefix})
	if err != nil {
		return err
	}
	_, err = install.Execute(ctx, ops, prefix, e, e, 0)
	return err
}

// EnsureBinary implements install.Cache: download the record's artifact into
// a content-addressed package cache directory, verifying its sha256 once
// downloaded (§4.8 populate-cache stage).
func (e *driver) EnsureBinary(ctx context.Context, r pixitypes.RepoDataRecord) (string, error) {
	dir := filepath.Join(e.cacheDir, "pkgs", fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build))
	marker := filepath.Join(dir, ".complete")
	if _, err := os.Stat(marker); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", skerr.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", skerr.Wrapf(err, "fetching %s", r.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", skerr.Fmt("fetching %s: status %s", r.URL, resp.Status)
	}

	archivePath := filepath.Join(dir, filepath.Base(r.URL))
	out, err := os.Create(archivePath)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hasher), resp.Body)
	closeErr := out.Close()
	if err != nil {
		return "", skerr.Wrapf(err, "downloading %s", r.URL)
	}
	if closeErr != nil {
		return "", skerr.Wrap(closeErr)
	}
	sklog.Infof("install: downloaded %s (%s)", r.Name, humanize.Bytes(uint64(n)))

	if r.Sha256 != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != r.Sha256 {
			_ = os.RemoveAll(dir)
			return "", install.ErrCorruptedArchive
		}
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return "", skerr.Wrap(err)
	}
	return dir, nil
}

// EnsureSource implements install.Cache for source records: it delegates to
// the source-build driver, then caches the built artifact's sha256 the same
// way a binary record would be, so a later install of the same source
// doesn't need to rebuild.
func (e *driver) EnsureSource(ctx context.Context, spec install.SourceBuildRequest) (string, error) {
	res := <-e.sourceBuild.Submit(ctx, e.dispatcher, sourcebuild.Spec{
		Source:           spec.Record,
		ChannelConfig:    spec.ChannelConfig,
		Channels:         spec.Channels,
		BuildEnvironment: spec.BuildEnvironment,
		Variants:         spec.Variants,
		EnabledProtocols: spec.EnabledProtocols,
	})
	if res.Err != nil {
		return "", res.Err
	}
	return e.EnsureBinary(ctx, res.Value)
}

// Unlink and Link implement install.Linker against a real filesystem prefix.
func (e *driver) Unlink(ctx context.Context, prefix, name string) error {
	target := filepath.Join(prefix, "pkgs", name)
	if err := os.RemoveAll(target); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

func (e *driver) Link(ctx context.Context, prefix, name, cachedPath string) error {
	target := filepath.Join(prefix, "pkgs", name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	// otiai10/copy rather than a hardlink: the package cache and prefix may
	// live on different filesystems, and copying keeps the cache entry
	// untouched for concurrent installs of the same package elsewhere.
	if err := copy.Copy(cachedPath, target); err != nil {
		return skerr.Wrapf(err, "linking %s into %s", name, prefix)
	}
	return nil
}

// Lookup implements buildcache.DependencyLookup, backing transitive
// source-build staleness checks with the builds this process has itself
// completed (populated by buildCacheAdapter.Put).
func (e *driver) Lookup(pinned pixitypes.PinnedSource, input pixitypes.BuildInput) (pixitypes.CachedBuild, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.builtDeps[pinned.CacheKey()+input.Hash()]
	return b, ok, nil
}

func (e *driver) record(pinned pixitypes.PinnedSource, input pixitypes.BuildInput, built pixitypes.CachedBuild) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.builtDeps == nil {
		e.builtDeps = make(map[string]pixitypes.CachedBuild)
	}
	e.builtDeps[pinned.CacheKey()+input.Hash()] = built
}

// buildCacheAdapter implements sourcebuild.BuildCache by persisting to the
// on-disk buildcache.Store and mirroring the result into the in-process
// dependency index so later builds' staleness checks can see it without a
// second on-disk read.
type buildCacheAdapter struct {
	store *buildcache.Store
	seen  *driver
}

func (b *buildCacheAdapter) Put(ctx context.Context, pinned pixitypes.PinnedSource, input pixitypes.BuildInput, built pixitypes.CachedBuild) error {
	var globs []string
	var timestamp int64
	var inputHash string
	var deps []buildcache.DependencyRef
	if built.Source != nil {
		globs = built.Source.Globs
		timestamp = built.Source.Timestamp
		inputHash = built.Source.PackageBuildInputHash
		deps = dependencyRefs(built.Source.Build, pinned)
		deps = append(deps, dependencyRefs(built.Source.Host, pinned)...)
	}
	if err := buildcache.WriteEntry(b.store.CacheDir, input, built.Record, globs, timestamp, inputHash, deps); err != nil {
		return err
	}
	b.seen.record(pinned, input, built)
	return nil
}

// dependencyRefs has no per-dependency PinnedSource/BuildInput available
// from a flat name->sha256 map alone, so each ref carries the sha256 and a
// path-pinned source named after the package, with an empty BuildInput; the
// original per-dependency PixiRecord provenance is already collapsed to
// BuildDependencySet by the time sourcebuild.BuildCache.Put is called.
func dependencyRefs(set pixitypes.BuildDependencySet, _ pixitypes.PinnedSource) []buildcache.DependencyRef {
	refs := make([]buildcache.DependencyRef, 0, len(set.Packages))
	for name, sha := range set.Packages {
		refs = append(refs, buildcache.DependencyRef{
			Pinned: pixitypes.PinnedPath(name),
			Sha256: sha,
		})
	}
	return refs
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
