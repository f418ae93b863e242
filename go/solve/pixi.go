package solve

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/sourcemetadata"
)

// PixiSourceSpec names a workspace source that participates in a pixi solve:
// every transitive SourceSpec is resolved to metadata before the underlying
// conda solve runs (§4.7.2).
type PixiSourceSpec struct {
	Pinned   pixitypes.PinnedSource
	Path     string
	IsDev    bool
	MetaReq  sourcemetadata.Request
}

// PixiSolveSpec is the input to a recursive pixi solve (§4.7.2): like
// CondaSolveSpec but sources are named rather than pre-resolved, and the
// resolver fetches their metadata itself before delegating to conda solve.
type PixiSolveSpec struct {
	Name            string
	Sources         []PixiSourceSpec
	BinarySpecs     []MatchSpec
	Constraints     []MatchSpec
	Installed       []string
	Platform        string
	Channels        []string
	VirtualPackages []string
	Strategy        string
	ChannelPriority []string
	ExcludeNewer    string
	ChannelConfig   pixitypes.ChannelConfig
}

// Submit runs a pixi solve: resolve every source's metadata (in parallel,
// bounded by the shared solver semaphore since metadata queries spawn build
// backends that themselves consume CPU) then hand the union of binary and
// source repodata to a conda solve (§4.7.2).
func Submit(ctx context.Context, d *dispatcher.CommandDispatcher, meta *sourcemetadata.Resolver, backend Backend, spec PixiSolveSpec) <-chan dispatcher.Result[[]pixitypes.PixiRecord] {
	return dispatcher.Submit(ctx, d, dispatcher.FamilyPixiSolve, pixiDedupKey(spec), func(ctx context.Context, child *dispatcher.CommandDispatcher) ([]pixitypes.PixiRecord, error) {
		return solvePixi(ctx, child, meta, backend, spec)
	})
}

func pixiDedupKey(spec PixiSolveSpec) string {
	key := fmt.Sprintf("%s\x00%s\x00%v\x00%v", spec.Name, spec.Platform, spec.Channels, spec.BinarySpecs)
	for _, s := range spec.Sources {
		key += "\x00src:" + s.Pinned.CacheKey()
	}
	return key
}

func solvePixi(ctx context.Context, d *dispatcher.CommandDispatcher, meta *sourcemetadata.Resolver, backend Backend, spec PixiSolveSpec) ([]pixitypes.PixiRecord, error) {
	sem := d.Data().SolveSemaphore()

	sourceMeta := make([]pixitypes.SourceMetadata, len(spec.Sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range spec.Sources {
		i, src := i, src
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return dispatcher.ErrCancelled
			}
			defer sem.Release(1)

			res := <-meta.Submit(gctx, d, src.MetaReq)
			if res.Err != nil {
				return res.Err
			}
			sourceMeta[i] = res.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	condaSpec := CondaSolveSpec{
		Name:            spec.Name,
		BinarySpecs:     spec.BinarySpecs,
		Constraints:     spec.Constraints,
		Installed:       spec.Installed,
		Platform:        spec.Platform,
		Channels:        spec.Channels,
		VirtualPackages: spec.VirtualPackages,
		Strategy:        spec.Strategy,
		ChannelPriority: spec.ChannelPriority,
		ExcludeNewer:    spec.ExcludeNewer,
		ChannelConfig:   spec.ChannelConfig,
	}
	for i, src := range spec.Sources {
		for _, rec := range sourceMeta[i].Records {
			if src.IsDev {
				depends := rec.Depends
				condaSpec.DevSourceRecords = append(condaSpec.DevSourceRecords, DevSourceRecord{
					Name:    rec.Name,
					Depends: depends,
				})
				continue
			}
			condaSpec.SourceSpecs = append(condaSpec.SourceSpecs, SourceSpecInput{Record: rec})
		}
	}

	return solveConda(ctx, d, backend, condaSpec)
}
