// Package sourcemetadata queries a build backend for the package records a
// source directory produces, with two-level caching: an in-memory dedup
// layer (via go/dispatcher) and a persistent on-disk cache keyed by pinned
// source plus request key (§4.6).
package sourcemetadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"pixi.goldmine.build/go/buildbackend"
	"pixi.goldmine.build/go/cachelock"
	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/globhash"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sklog"
)

// Request is the full input key for a source-metadata query (§4.6).
type Request struct {
	Source           pixitypes.SourceCheckout
	ChannelConfig    pixitypes.ChannelConfig
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	Variants         map[string]pixitypes.VariantValue
	EnabledProtocols pixitypes.EnabledProtocols
}

// metadataKey is Request canonicalized to a stable string, used both as the
// in-memory dedup key and as a component of the on-disk cache directory name
// (§4.6 step 1, §4.6 "on-disk cache keyed by { pinned_source, metadata_key }").
func (r Request) metadataKey() string {
	variantKeys := make([]string, 0, len(r.Variants))
	for k := range r.Variants {
		variantKeys = append(variantKeys, k)
	}
	sort.Strings(variantKeys)
	orderedVariants := make([]struct {
		Key   string
		Value pixitypes.VariantValue
	}, 0, len(variantKeys))
	for _, k := range variantKeys {
		orderedVariants = append(orderedVariants, struct {
			Key   string
			Value pixitypes.VariantValue
		}{k, r.Variants[k]})
	}
	channels := append([]string(nil), r.Channels...)
	sort.Strings(channels)

	canonical := struct {
		Channels         []string
		BuildEnvironment pixitypes.BuildEnvironment
		Variants         []struct {
			Key   string
			Value pixitypes.VariantValue
		}
		EnabledProtocols pixitypes.EnabledProtocols
	}{channels, r.BuildEnvironment, orderedVariants, r.EnabledProtocols}

	buf, _ := json.Marshal(canonical)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func (r Request) dedupKey() string {
	return r.Source.Pinned.CacheKey() + "\x00" + r.metadataKey()
}

// onDiskEntry is the persisted form of a cache hit, matching §6's
// `<cache>/source-metadata/<hash>/metadata.json` layout.
type onDiskEntry struct {
	InputHash *pixitypes.InputHash         `json:"input_hash,omitempty"`
	Packages  []onDiskRecord               `json:"packages"`
}

type onDiskRecord struct {
	Name             string               `json:"name"`
	Version          string               `json:"version"`
	Build            string               `json:"build"`
	Subdir           string               `json:"subdir"`
	Depends          []string             `json:"depends"`
	Constrains       []string             `json:"constrains"`
	RunExports       pixitypes.RunExports `json:"run_exports"`
	IgnoreRunExports []string             `json:"ignore_run_exports"`
}

// Resolver answers source-metadata requests, consulting the on-disk cache
// before falling back to a live backend query.
type Resolver struct {
	CacheDir     string
	Backends     *buildbackend.Instantiator
	GlobHash     *globhash.Cache
	ProjectModel func(sourceDir string) ([]byte, error) // hashable project-model bytes, see §4.6 step 2
}

// NewResolver builds a Resolver rooted at cacheDir.
func NewResolver(cacheDir string, backends *buildbackend.Instantiator, globHashCache *globhash.Cache, projectModel func(string) ([]byte, error)) *Resolver {
	if projectModel == nil {
		projectModel = func(string) ([]byte, error) { return nil, nil }
	}
	return &Resolver{CacheDir: cacheDir, Backends: backends, GlobHash: globHashCache, ProjectModel: projectModel}
}

// Submit requests source metadata for req, deduplicated in-memory by the
// full request key (§4.6 two-level caching, level 1).
func (r *Resolver) Submit(ctx context.Context, d *dispatcher.CommandDispatcher, req Request) <-chan dispatcher.Result[pixitypes.SourceMetadata] {
	return dispatcher.Submit(ctx, d, dispatcher.FamilySourceMetadata, req.dedupKey(), func(ctx context.Context, child *dispatcher.CommandDispatcher) (pixitypes.SourceMetadata, error) {
		meta, err := r.resolve(ctx, child, req)
		if err != nil {
			return pixitypes.SourceMetadata{}, err
		}
		return meta, nil
	})
}

func (r *Resolver) resolve(ctx context.Context, child *dispatcher.CommandDispatcher, req Request) (pixitypes.SourceMetadata, error) {
	entryDir := filepath.Join(r.CacheDir, "source-metadata", entryHash(req))
	lockPath := filepath.Join(entryDir, ".lock")

	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return pixitypes.SourceMetadata{}, dispatcher.NewFailed(dispatcher.KindCache, skerr.Wrap(err))
	}
	lock, err := cachelock.Acquire(lockPath)
	if err != nil {
		return pixitypes.SourceMetadata{}, dispatcher.NewFailed(dispatcher.KindCache, err)
	}
	defer lock.Release()

	metadataPath := filepath.Join(entryDir, "metadata.json")
	if entry, ok, err := readEntry(metadataPath); err != nil {
		return pixitypes.SourceMetadata{}, dispatcher.NewFailed(dispatcher.KindCache, err)
	} else if ok {
		if hit, meta := r.checkCacheHit(req, entry); hit {
			return meta, nil
		}
	}

	meta, entry, err := r.queryBackend(ctx, child, req)
	if err != nil {
		return pixitypes.SourceMetadata{}, err
	}

	if err := writeEntry(metadataPath, entry); err != nil {
		sklog.Errorf("sourcemetadata: failed to persist cache entry for %s: %v", req.Source.Path, err)
	}

	return meta, nil
}

// checkCacheHit implements §4.6 step 2: immutable sources trust the cached
// entry unconditionally; mutable sources recompute the input hash and
// compare.
func (r *Resolver) checkCacheHit(req Request, entry onDiskEntry) (bool, pixitypes.SourceMetadata) {
	records := toSourceRecords(req.Source, entry)

	if entry.InputHash == nil {
		return true, pixitypes.SourceMetadata{Source: req.Source, Records: records}
	}

	projectModelBytes, err := r.ProjectModel(req.Source.Path)
	if err != nil {
		sklog.Debugf("sourcemetadata: recomputing project model for %s failed: %v", req.Source.Path, err)
		return false, pixitypes.SourceMetadata{}
	}
	// A fresh Cache, so the files are walked again rather than served from
	// a digest memoized earlier in this process.
	current, err := globhash.NewCache().Hash(req.Source.Path, entry.InputHash.Globs, projectModelBytes)
	if err != nil {
		sklog.Debugf("sourcemetadata: recomputing input hash for %s failed: %v", req.Source.Path, err)
		return false, pixitypes.SourceMetadata{}
	}
	if current.Digest != entry.InputHash.Hash {
		return false, pixitypes.SourceMetadata{}
	}
	return true, pixitypes.SourceMetadata{Source: req.Source, Records: records}
}

type condaMetadataParams struct {
	BuildPlatform        string                              `json:"build_platform"`
	BuildVirtualPackages []string                            `json:"build_virtual_packages"`
	HostPlatform         string                              `json:"host_platform"`
	HostVirtualPackages  []string                            `json:"host_virtual_packages"`
	ChannelBaseURLs      []string                            `json:"channel_base_urls"`
	ChannelConfiguration pixitypes.ChannelConfig              `json:"channel_configuration"`
	Variants             map[string]pixitypes.VariantValue   `json:"variants,omitempty"`
	WorkDirectory        string                              `json:"work_directory"`
}

type condaMetadataResult struct {
	Packages    []onDiskRecord `json:"packages"`
	InputGlobs  []string       `json:"input_globs"`
}

func (r *Resolver) queryBackend(ctx context.Context, child *dispatcher.CommandDispatcher, req Request) (pixitypes.SourceMetadata, onDiskEntry, error) {
	spec, err := discoverSpec(req)
	if err != nil {
		return pixitypes.SourceMetadata{}, onDiskEntry{}, err
	}

	backendRes := <-r.Backends.Submit(ctx, child, spec, req.Source.Path)
	if backendRes.Err != nil {
		return pixitypes.SourceMetadata{}, onDiskEntry{}, backendRes.Err
	}
	backend := backendRes.Value

	var result condaMetadataResult
	if err := backend.CondaMetadata(condaMetadataParams{
		BuildPlatform:        req.BuildEnvironment.BuildPlatform,
		BuildVirtualPackages: req.BuildEnvironment.BuildVirtualPackages,
		HostPlatform:         req.BuildEnvironment.HostPlatform,
		HostVirtualPackages:  req.BuildEnvironment.HostVirtualPackages,
		ChannelBaseURLs:      req.ChannelConfig.BaseURLs,
		ChannelConfiguration: req.ChannelConfig,
		Variants:             req.Variants,
		WorkDirectory:        req.Source.Path,
	}, &result); err != nil {
		return pixitypes.SourceMetadata{}, onDiskEntry{}, dispatcher.NewFailed(dispatcher.KindCommunication, err)
	}

	entry := onDiskEntry{Packages: result.Packages}
	if !req.Source.Pinned.Immutable() {
		globs := result.InputGlobs
		if globs == nil {
			globs = []string{}
		}
		projectModelBytes, err := r.ProjectModel(req.Source.Path)
		if err != nil {
			return pixitypes.SourceMetadata{}, onDiskEntry{}, dispatcher.NewFailed(dispatcher.KindCache, err)
		}
		h, err := r.GlobHash.Hash(req.Source.Path, globs, projectModelBytes)
		if err != nil {
			return pixitypes.SourceMetadata{}, onDiskEntry{}, dispatcher.NewFailed(dispatcher.KindCache, err)
		}
		entry.InputHash = &pixitypes.InputHash{Globs: globs, Hash: h.Digest}
	}

	return pixitypes.SourceMetadata{Source: req.Source, Records: toSourceRecords(req.Source, entry)}, entry, nil
}

func discoverSpec(req Request) (pixitypes.BackendSpec, error) {
	disc, err := buildbackend.Discover(req.Source.Path, req.EnabledProtocols, nil)
	return disc.Backend, err
}

func toSourceRecords(source pixitypes.SourceCheckout, entry onDiskEntry) []pixitypes.SourceRecord {
	records := make([]pixitypes.SourceRecord, 0, len(entry.Packages))
	for _, p := range entry.Packages {
		records = append(records, pixitypes.SourceRecord{
			Name:             p.Name,
			Version:          p.Version,
			Build:            p.Build,
			Subdir:           p.Subdir,
			Depends:          p.Depends,
			Constrains:       p.Constrains,
			RunExports:       p.RunExports,
			IgnoreRunExports: p.IgnoreRunExports,
			Source:           source,
			InputHash:        entry.InputHash,
		})
	}
	return records
}

func entryHash(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Source.Pinned.CacheKey()))
	h.Write([]byte{0})
	h.Write([]byte(req.metadataKey()))
	return hex.EncodeToString(h.Sum(nil))
}

func readEntry(path string) (onDiskEntry, bool, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return onDiskEntry{}, false, nil
		}
		return onDiskEntry{}, false, skerr.Wrap(err)
	}
	var entry onDiskEntry
	if err := json.Unmarshal(buf, &entry); err != nil {
		return onDiskEntry{}, false, skerr.Wrap(err)
	}
	return entry, true, nil
}

// writeEntry writes entry atomically via temp-file + rename (§5: "Cache
// writes are atomic via temp-file + rename; concurrent readers either
// observe the prior version or the new version, never a partial one").
func writeEntry(path string, entry onDiskEntry) error {
	buf, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return skerr.Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
