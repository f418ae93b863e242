// Package install computes and executes install transactions: the
// populate-cache, unlink, and link operations that turn a solved package
// list into a live prefix (§4.8).
package install

import (
	"context"
	"sort"
	"sync"

	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sklog"
)

// OpKind discriminates a transaction operation.
type OpKind int

const (
	OpUnlink OpKind = iota
	OpLink
)

// Op is a single link or unlink step in a transaction.
type Op struct {
	Kind   OpKind
	Name   string
	Record pixitypes.PixiRecord // zero for OpUnlink
}

// Spec is the input to Plan/Submit (§4.8).
type Spec struct {
	Name             string
	Records          []pixitypes.PixiRecord
	Prefix           string
	Installed        []pixitypes.PixiRecord
	BuildEnvironment pixitypes.BuildEnvironment
	ForceReinstall   bool
	Channels         []string
	ChannelConfig    pixitypes.ChannelConfig
	Variants         map[string]pixitypes.VariantValue
	EnabledProtocols pixitypes.EnabledProtocols
}

// Plan diffs Installed against Records and returns the ordered operation
// sequence: every unlink for a replaced package precedes the link that
// replaces it, and links are further ordered by the depends DAG so a
// dependency is always linked before its dependents (§4.8 "Ordering
// guarantees").
func Plan(spec Spec) ([]Op, error) {
	installedByName := make(map[string]pixitypes.PixiRecord, len(spec.Installed))
	for _, r := range spec.Installed {
		installedByName[r.Name()] = r
	}
	wantByName := make(map[string]pixitypes.PixiRecord, len(spec.Records))
	for _, r := range spec.Records {
		wantByName[r.Name()] = r
	}

	var ops []Op

	// Unlink anything removed or replaced (changed sha256/build/version, or
	// force-reinstall requests an unconditional relink).
	unlinkNames := make([]string, 0)
	for name, cur := range installedByName {
		want, stillWanted := wantByName[name]
		if !stillWanted || spec.ForceReinstall || !sameArtifact(cur, want) {
			unlinkNames = append(unlinkNames, name)
		}
	}
	sort.Strings(unlinkNames)
	for _, name := range unlinkNames {
		ops = append(ops, Op{Kind: OpUnlink, Name: name})
	}

	linkNames := make([]string, 0, len(spec.Records))
	for name := range wantByName {
		cur, wasInstalled := installedByName[name]
		if wasInstalled && !spec.ForceReinstall && sameArtifact(cur, wantByName[name]) {
			continue
		}
		linkNames = append(linkNames, name)
	}

	order, err := topoSortLinks(linkNames, wantByName)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	for _, name := range order {
		ops = append(ops, Op{Kind: OpLink, Name: name, Record: wantByName[name]})
	}
	return ops, nil
}

func sameArtifact(a, b pixitypes.PixiRecord) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == pixitypes.PixiRecordKindBinary {
		return a.Binary != nil && b.Binary != nil && a.Binary.Sha256 == b.Binary.Sha256 && a.Binary.Sha256 != ""
	}
	return a.Source != nil && b.Source != nil && a.Source.Version == b.Source.Version && a.Source.Build == b.Source.Build
}

// topoSortLinks orders names so that every dependency named in a record's
// Depends list (that is itself part of names) comes before it. Cycles fall
// back to submission order for the cyclic subset rather than failing the
// whole transaction -- a cycle in the solved depends graph is a solver bug,
// not an install-time condition worth aborting an otherwise-valid plan for.
func topoSortLinks(names []string, byName map[string]pixitypes.PixiRecord) ([]string, error) {
	sort.Strings(names) // stable base ordering before the topo pass
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	visited := make(map[string]int) // 0=unvisited 1=in-progress 2=done
	var order []string
	var visit func(string)
	visit = func(n string) {
		switch visited[n] {
		case 2:
			return
		case 1:
			return // cycle: stop recursing, caller keeps its position
		}
		visited[n] = 1
		for _, dep := range depends(byName[n]) {
			depName := specName(dep)
			if nameSet[depName] {
				visit(depName)
			}
		}
		visited[n] = 2
		order = append(order, n)
	}
	for _, n := range names {
		visit(n)
	}
	return order, nil
}

func depends(r pixitypes.PixiRecord) []string {
	switch r.Kind {
	case pixitypes.PixiRecordKindBinary:
		if r.Binary != nil {
			return r.Binary.Depends
		}
	case pixitypes.PixiRecordKindSource:
		if r.Source != nil {
			return r.Source.Depends
		}
	}
	return nil
}

func specName(spec string) string {
	for i, c := range spec {
		if c == ' ' {
			return spec[:i]
		}
	}
	return spec
}

// Cache performs populate-cache for a single record: binary records are
// validated-then-downloaded into the content-addressed package cache;
// source records are routed through a build.
type Cache interface {
	EnsureBinary(ctx context.Context, r pixitypes.RepoDataRecord) (localPath string, err error)
	EnsureSource(ctx context.Context, spec SourceBuildRequest) (localPath string, err error)
}

// Linker performs the filesystem-level link/unlink against a prefix.
type Linker interface {
	Unlink(ctx context.Context, prefix, name string) error
	Link(ctx context.Context, prefix, name, cachedPath string) error
}

// SourceBuildRequest is what install asks a source builder to produce; it is
// a local redeclaration of the fields go/sourcebuild's SourceBuildSpec needs
// so this package does not import it (install is a leaf only with respect
// to cache/link concerns; wiring to an actual builder happens at the
// dispatcher-assembly call site, avoiding an install<->sourcebuild import
// cycle since sourcebuild itself calls into install's Cache interface only
// indirectly via the top-level driver).
type SourceBuildRequest struct {
	Record           pixitypes.SourceRecord
	ChannelConfig    pixitypes.ChannelConfig
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	Variants         map[string]pixitypes.VariantValue
	EnabledProtocols pixitypes.EnabledProtocols
}

// Result reports the outcome of executing a transaction.
type Result struct {
	Completed []Op
	Dirty     bool
}

// Execute runs ops in submission order with bounded parallelism gated by
// parallelism (<=0 means unbounded up to len(ops)). The first operation
// error aborts the transaction: completed operations are not rolled back,
// so the prefix is reported dirty (§4.8 "Failure semantics").
func Execute(ctx context.Context, ops []Op, prefix string, cache Cache, linker Linker, parallelism int) (Result, error) {
	if parallelism <= 0 || parallelism > len(ops) {
		parallelism = len(ops)
	}
	if parallelism == 0 {
		return Result{}, nil
	}

	type outcome struct {
		op  Op
		err error
	}
	jobs := make(chan Op)
	results := make(chan outcome)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				results <- outcome{op: op, err: executeOp(runCtx, op, prefix, cache, linker)}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, op := range ops {
			select {
			case jobs <- op:
			case <-runCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	completed := make([]Op, 0, len(ops))
	var firstErr error
	for o := range results {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
				cancel()
			}
			continue
		}
		completed = append(completed, o.op)
	}
	if firstErr == nil && len(completed) < len(ops) {
		firstErr = ctx.Err()
	}

	if firstErr != nil {
		sklog.Errorf("install: transaction %d/%d operations aborted: %v", len(completed), len(ops), firstErr)
		return Result{Completed: completed, Dirty: true}, firstErr
	}
	return Result{Completed: completed, Dirty: false}, nil
}

func executeOp(ctx context.Context, op Op, prefix string, cache Cache, linker Linker) error {
	switch op.Kind {
	case OpUnlink:
		return linker.Unlink(ctx, prefix, op.Name)
	case OpLink:
		localPath, err := populateCache(ctx, cache, op.Record)
		if err != nil {
			return err
		}
		return linker.Link(ctx, prefix, op.Name, localPath)
	default:
		return skerr.Fmt("unknown op kind %d", op.Kind)
	}
}
