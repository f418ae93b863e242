// Package buildbackend discovers which build backend a source directory
// requires and instantiates it: resolving a tool environment, spawning the
// backend process, and speaking its JSON-RPC-over-stdio protocol (§4.5, §6).
package buildbackend

import (
	"context"
	"io"
	"os"
	"time"

	patrickmngocache "github.com/patrickmn/go-cache"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/exec"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sklog"
)

const toolEnvCacheTTL = 10 * time.Minute

// InitParams is handed to the backend's initialize() call. The discovered
// source directory and manifest configuration feed it; its exact shape is
// backend-specific beyond the fields the core itself needs to route
// capability negotiation.
type InitParams struct {
	SourceDir string            `json:"source_dir"`
	Config    map[string]string `json:"configuration,omitempty"`
}

type initializeResult struct {
	Capabilities struct {
		CondaMetadata bool `json:"conda_metadata"`
		CondaOutputs  bool `json:"conda_outputs"`
		CondaBuildV0  bool `json:"conda_build_v0"`
		CondaBuildV1  bool `json:"conda_build_v1"`
	} `json:"capabilities"`
}

// Backend is a live RPC handle over a spawned backend process, owned by
// whoever requested it. Close terminates the child, mirroring spec.md §3's
// "dropping it terminates the child" (Go has no Drop, so this is explicit).
type Backend struct {
	spec         pixitypes.BackendSpec
	capabilities pixitypes.Capabilities
	rpc          *rpcClient
	process      exec.Process
	stdin        io.WriteCloser
	stdout       io.ReadCloser
}

func (b *Backend) Capabilities() pixitypes.Capabilities { return b.capabilities }

// CondaMetadata invokes the v1 conda_metadata procedure (§4.6 step 3, §6).
func (b *Backend) CondaMetadata(params interface{}, out interface{}) error {
	return b.rpc.call("conda_metadata", params, out)
}

// CondaOutputs invokes the v2 conda_outputs procedure (§4.9 step 2, §6).
func (b *Backend) CondaOutputs(params interface{}, out interface{}) error {
	return b.rpc.call("conda_outputs", params, out)
}

// BuildV1 invokes conda_build_v1 (§4.9 step 7, §6).
func (b *Backend) BuildV1(params interface{}, out interface{}) error {
	return b.rpc.call("conda_build_v1", params, out)
}

// BuildV0 invokes conda_build_v0, the v1-protocol fallback (§4.9, §6).
func (b *Backend) BuildV0(params interface{}, out interface{}) error {
	return b.rpc.call("conda_build_v0", params, out)
}

// Close terminates the backend process. Safe to call more than once.
func (b *Backend) Close() {
	_ = b.stdin.Close()
	_ = b.stdout.Close()
	if b.process != nil {
		_ = b.process.Kill()
	}
}

// Instantiator discovers and spawns backends, memoizing tool-environment
// resolution (not the live Backend handle itself -- a Backend is owned
// exclusively by its requester and is never shared across waiters, unlike
// the dedupable task families).
type Instantiator struct {
	// ToolEnvironments resolves a ToolEnvironmentSpec to a prefix directory
	// containing the backend binary. This is the InstantiateToolEnvironment
	// collaborator of §4.5 step 2; its own caching lives behind this
	// interface (typically go/solve + go/install composed together).
	ToolEnvironments ToolEnvironmentResolver

	// toolEnvCache is a short-TTL in-memory cache for already-resolved tool
	// environments, distinct from the persistent on-disk metadata/build
	// caches (SPEC_FULL.md §2 domain-stack: patrickmn/go-cache).
	toolEnvCache *patrickmngocache.Cache
}

// ToolEnvironmentResolver resolves a tool-environment spec to the local
// prefix directory containing the requested binary package.
type ToolEnvironmentResolver interface {
	Resolve(ctx context.Context, spec pixitypes.ToolEnvironmentSpec) (prefix string, err error)
}

// NewInstantiator builds an Instantiator backed by the given tool-
// environment resolver, with a 10 minute default TTL on resolved prefixes.
func NewInstantiator(resolver ToolEnvironmentResolver) *Instantiator {
	return &Instantiator{
		ToolEnvironments: resolver,
		toolEnvCache:     patrickmngocache.New(toolEnvCacheTTL, toolEnvCacheTTL*2),
	}
}

// Submit requests instantiation of spec (§4.5 step 2) as a fixed-family task:
// every call spawns its own Backend, owned by that caller. Only the
// tool-environment resolution behind it is memoized, in toolEnvCache.
func (in *Instantiator) Submit(ctx context.Context, d *dispatcher.CommandDispatcher, spec pixitypes.BackendSpec, sourceDir string) <-chan dispatcher.Result[*Backend] {
	return dispatcher.Submit(ctx, d, dispatcher.FamilyInstantiateBackend, "", func(ctx context.Context, child *dispatcher.CommandDispatcher) (*Backend, error) {
		backend, err := in.instantiate(ctx, spec, sourceDir)
		if err != nil {
			return nil, err
		}
		return backend, nil
	})
}

func (in *Instantiator) instantiate(ctx context.Context, spec pixitypes.BackendSpec, sourceDir string) (*Backend, error) {
	prefix, err := in.resolvePrefix(ctx, spec.Environment)
	if err != nil {
		return nil, dispatcher.NewFailed(dispatcher.KindInitialize, err)
	}

	binaryPath := prefix + string(os.PathSeparator) + spec.Environment.BinaryPackage

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	process, done, err := exec.RunIndefinitely(&exec.Command{
		Name:   binaryPath,
		Args:   []string{"--rpc-stdio"},
		Stdin:  stdinR,
		Stdout: stdoutW,
	})
	if err != nil {
		return nil, dispatcher.NewFailed(dispatcher.KindInitialize, skerr.Wrapf(err, "spawning backend %s", spec.Name))
	}
	go func() {
		if err := <-done; err != nil {
			sklog.Debugf("buildbackend: %s exited: %v", spec.Name, err)
		}
	}()

	rpc := newRPCClient(stdinW, stdoutR)

	var initResult initializeResult
	if err := rpc.call("initialize", InitParams{SourceDir: sourceDir}, &initResult); err != nil {
		_ = process.Kill()
		return nil, dispatcher.NewFailed(dispatcher.KindInitialize, skerr.Wrapf(err, "initializing backend %s", spec.Name))
	}

	return &Backend{
		spec: spec,
		capabilities: pixitypes.Capabilities{
			CondaMetadata: initResult.Capabilities.CondaMetadata,
			CondaOutputs:  initResult.Capabilities.CondaOutputs,
			CondaBuildV0:  initResult.Capabilities.CondaBuildV0,
			CondaBuildV1:  initResult.Capabilities.CondaBuildV1,
		},
		rpc:     rpc,
		process: process,
		stdin:   stdinW,
		stdout:  stdoutR,
	}, nil
}

func (in *Instantiator) resolvePrefix(ctx context.Context, spec pixitypes.ToolEnvironmentSpec) (string, error) {
	cacheKey := pixitypes.BackendSpec{Environment: spec}.CacheKey()
	if cached, ok := in.toolEnvCache.Get(cacheKey); ok {
		return cached.(string), nil
	}

	prefix, err := in.ToolEnvironments.Resolve(ctx, spec)
	if err != nil {
		return "", skerr.Wrapf(err, "resolving tool environment for %s", spec.BinaryPackage)
	}
	in.toolEnvCache.Set(cacheKey, prefix, patrickmngocache.DefaultExpiration)
	return prefix, nil
}
