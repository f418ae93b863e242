// Package buildcache answers source-build cache staleness queries (§4.10):
// whether a previously built record is still valid given the current
// project configuration and file state.
package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"pixi.goldmine.build/go/cachelock"
	"pixi.goldmine.build/go/globhash"
	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sklog"
)

// Query is the input to Store.Status (§4.10).
type Query struct {
	PackageName      string
	PackageVariant   map[string]pixitypes.VariantValue
	Source           pixitypes.SourceCheckout
	Channels         []string
	BuildEnvironment pixitypes.BuildEnvironment
	ChannelConfig    pixitypes.ChannelConfig
	EnabledProtocols pixitypes.EnabledProtocols

	// ProjectModel and TargetConfiguration feed PackageBuildInputHash
	// alongside Configuration; the driver supplies them since this
	// package has no notion of project files (§4.10 step 3).
	ProjectModel        []byte
	Configuration       []byte
	TargetConfiguration []byte
}

// Entry is the result of a status query: the computed status plus an open
// lock on the cache directory so the caller can atomically transition to
// New by rebuilding without another process racing it (§4.10 final line).
type Entry struct {
	Status pixitypes.CacheStatus
	Lock   *cachelock.Lock
}

// DependencyLookup finds a transitive source dependency's own cached build
// for Status's recursive dependency checks; the caller (typically the top-level driver composing go/solve +
// go/sourcebuild + go/buildcache) supplies how to look up a dependency's own
// cached build.
type DependencyLookup interface {
	Lookup(pinned pixitypes.PinnedSource, input pixitypes.BuildInput) (pixitypes.CachedBuild, bool, error)
}

// Store answers cache-status queries against entries rooted at CacheDir.
type Store struct {
	CacheDir string
	Deps     DependencyLookup
}

func NewStore(cacheDir string, deps DependencyLookup) *Store {
	return &Store{CacheDir: cacheDir, Deps: deps}
}

// Status implements the §4.10 algorithm. It starts an empty visiting set of
// (pinned_source, build_input) pairs on the current recursion stack, which
// statusVisiting threads through the transitive dependency checks for cycle
// detection.
func (s *Store) Status(q Query, input pixitypes.BuildInput) (Entry, error) {
	return s.statusVisiting(q, input, map[string]bool{})
}

func (s *Store) statusVisiting(q Query, input pixitypes.BuildInput, visiting map[string]bool) (Entry, error) {
	key := q.Source.Pinned.CacheKey() + "\x00" + input.Hash()
	if visiting[key] {
		sklog.Warningf("buildcache: cycle detected in transitive source dependencies for %s; treating as stale", q.PackageName)
		return Entry{Status: pixitypes.CacheStatusStale}, nil
	}
	visiting[key] = true
	defer delete(visiting, key)

	entryDir := filepath.Join(s.CacheDir, "source-builds", input.Hash())
	lockPath := filepath.Join(entryDir, ".lock")

	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return Entry{}, skerr.Wrap(err)
	}
	lock, err := cachelock.Acquire(lockPath)
	if err != nil {
		return Entry{}, skerr.Wrap(err)
	}

	status, err := s.compute(q, entryDir, visiting)
	if err != nil {
		lock.Release()
		return Entry{}, err
	}
	return Entry{Status: status, Lock: lock}, nil
}

type onDiskEntry struct {
	Record                pixitypes.RepoDataRecord           `json:"record"`
	Globs                 []string                           `json:"globs,omitempty"`
	PackageTimestamp      int64                              `json:"package_timestamp,omitempty"`
	PackageBuildInputHash string                             `json:"package_build_input_hash,omitempty"`
	Build                 map[string]string                  `json:"build_dependency_shas,omitempty"`
	Host                  map[string]string                  `json:"host_dependency_shas,omitempty"`
	Dependencies          []DependencyRef                    `json:"dependencies,omitempty"`
}

// DependencyRef names a transitive source dependency's own cache entry so
// Status can recurse into it (§4.10 step 4).
type DependencyRef struct {
	Pinned pixitypes.PinnedSource `json:"pinned"`
	Input  pixitypes.BuildInput   `json:"input"`
	Sha256 string                 `json:"sha256"`
}

func (s *Store) compute(q Query, entryDir string, visiting map[string]bool) (pixitypes.CacheStatus, error) {
	entry, ok, err := readEntry(filepath.Join(entryDir, "build.json"))
	if err != nil {
		return pixitypes.CacheStatusMissing, err
	}
	if !ok {
		return pixitypes.CacheStatusMissing, nil
	}

	if q.Source.Pinned.Immutable() {
		return pixitypes.CacheStatusUpToDate, nil
	}

	currentHash := PackageBuildInputHash(q)
	if currentHash != entry.PackageBuildInputHash {
		return pixitypes.CacheStatusStale, nil
	}

	if len(entry.Globs) == 0 {
		return pixitypes.CacheStatusStale, nil
	}
	newest, found, err := globhash.NewestMtime(q.Source.Path, entry.Globs)
	if err != nil {
		return pixitypes.CacheStatusMissing, err
	}
	if !found || newest > entry.PackageTimestamp {
		return pixitypes.CacheStatusStale, nil
	}

	for _, dep := range entry.Dependencies {
		depStatus, err := s.statusDependency(dep, visiting)
		if err != nil {
			return pixitypes.CacheStatusMissing, err
		}
		if depStatus.Lock != nil {
			depStatus.Lock.Release()
		}
		if depStatus.Status == pixitypes.CacheStatusMissing || depStatus.Status == pixitypes.CacheStatusStale {
			return pixitypes.CacheStatusStale, nil
		}
	}

	return pixitypes.CacheStatusUpToDate, nil
}

func (s *Store) statusDependency(dep DependencyRef, visiting map[string]bool) (Entry, error) {
	if s.Deps == nil {
		return Entry{Status: pixitypes.CacheStatusStale}, nil
	}
	built, ok, err := s.Deps.Lookup(dep.Pinned, dep.Input)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{Status: pixitypes.CacheStatusMissing}, nil
	}
	if built.Record.Sha256 != dep.Sha256 {
		return Entry{Status: pixitypes.CacheStatusStale}, nil
	}
	return s.statusVisiting(Query{Source: pixitypes.SourceCheckout{Pinned: dep.Pinned}}, dep.Input, visiting)
}

// PackageBuildInputHash computes the §4.10 step 3 project-configuration
// hash from a Query's ProjectModel/Configuration/TargetConfiguration and
// build environment. Exported so a source-build driver can compute the same
// hash at write time that Status recomputes at query time (§4.9 step 8,
// §4.10).
func PackageBuildInputHash(q Query) string {
	h := q.BuildEnvironment
	canonical := struct {
		ProjectModel        []byte
		Configuration       []byte
		TargetConfiguration []byte
		BuildEnvironment    pixitypes.BuildEnvironment
	}{q.ProjectModel, q.Configuration, q.TargetConfiguration, h}
	buf, _ := json.Marshal(canonical)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
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

// WriteEntry persists a completed build's cache entry, atomically via
// temp-file + rename (§5).
func WriteEntry(cacheDir string, input pixitypes.BuildInput, record pixitypes.RepoDataRecord, globs []string, packageTimestamp int64, packageBuildInputHash string, deps []DependencyRef) error {
	entryDir := filepath.Join(cacheDir, "source-builds", input.Hash())
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return skerr.Wrap(err)
	}
	entry := onDiskEntry{
		Record:                record,
		Globs:                 globs,
		PackageTimestamp:      packageTimestamp,
		PackageBuildInputHash: packageBuildInputHash,
		Dependencies:          deps,
	}
	buf, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	path := filepath.Join(entryDir, "build.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.Rename(tmp, path))
}
