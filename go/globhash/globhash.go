// Package globhash hashes the set of files under a directory matching a set
// of glob patterns, plus an optional extra bytes blob, memoized by
// (root, globs, extra) (§2 dependency-order leaf #2). It backs the input-hash
// computation that source-metadata and source-build caches use to detect
// whether a mutable source has changed since it was last cached (§4.6, §4.10).
package globhash

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pixi.goldmine.build/go/skerr"
)

// Hash is the result of hashing a directory against a set of globs: the
// digest itself plus the sorted list of relative paths that matched, so
// callers can persist (globs, matched paths) alongside the hash for
// diagnostics without recomputing the walk.
type Hash struct {
	Digest  string
	Matched []string
}

type cacheKey struct {
	root  string
	globs string
	extra string
}

// Cache memoizes Hash computations by (root, globs, extra bytes), avoiding
// repeated filesystem walks for identical requests within a process
// lifetime. It holds no persistent state across runs; the on-disk input-hash
// fields it feeds (§4.6) are what survives process restarts.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Hash
}

// NewCache returns an empty in-memory glob-hash cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]Hash)}
}

// Hash computes (or returns the memoized) hash of every file under root that
// matches any of globs, mixed with extra. The file set, relative paths, and
// file contents all participate in the digest; matching is case-sensitive
// and symlinks are followed but not specially distinguished from regular
// files (per spec.md §9's open question on the exact input-hash algorithm,
// this package picks and documents that choice rather than leaving it
// unspecified -- see DESIGN.md).
func (c *Cache) Hash(root string, globs []string, extra []byte) (Hash, error) {
	sortedGlobs := append([]string(nil), globs...)
	sort.Strings(sortedGlobs)
	key := cacheKey{root: root, globs: strings.Join(sortedGlobs, "\x00"), extra: string(extra)}

	c.mu.Lock()
	if h, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	h, err := computeHash(root, sortedGlobs, extra)
	if err != nil {
		return Hash{}, err
	}

	c.mu.Lock()
	c.entries[key] = h
	c.mu.Unlock()
	return h, nil
}

func computeHash(root string, globs []string, extra []byte) (Hash, error) {
	var matched []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchesAny(rel, globs) {
			matched = append(matched, rel)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return Hash{Digest: digestOf(nil, extra)}, nil
		}
		return Hash{}, skerr.Wrapf(err, "walking %s", root)
	}

	sort.Strings(matched)

	hasher := sha256.New()
	for _, rel := range matched {
		contents, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return Hash{}, skerr.Wrapf(err, "reading %s", rel)
		}
		hasher.Write([]byte(rel))
		hasher.Write([]byte{0})
		hasher.Write(contents)
		hasher.Write([]byte{0})
	}
	hasher.Write(extra)

	return Hash{Digest: hex.EncodeToString(hasher.Sum(nil)), Matched: matched}, nil
}

func digestOf(matched []string, extra []byte) string {
	hasher := sha256.New()
	for _, rel := range matched {
		hasher.Write([]byte(rel))
	}
	hasher.Write(extra)
	return hex.EncodeToString(hasher.Sum(nil))
}

// NewestMtime returns the modification time (unix nanos) of the most
// recently modified file under root matching any of globs, and whether any
// file matched at all. Used by source-build cache staleness checks (§4.10
// step 4: "no matches -> Stale"), which is why a false found is distinct
// from a zero timestamp rather than conflated with it.
func NewestMtime(root string, globs []string) (int64, bool, error) {
	var newest int64
	var found bool

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(rel, globs) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		found = true
		if mtime := info.ModTime().UnixNano(); mtime > newest {
			newest = mtime
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, skerr.Wrapf(err, "walking %s", root)
	}
	return newest, found, nil
}

// matchesAny reports whether rel (a slash-separated path relative to the
// glob root) matches any of globs. A glob may contain a leading "**/" to
// mean "at any depth"; beyond that, matching is plain filepath.Match per
// path segment joined back with slashes, since no third-party recursive-glob
// library is present in this module's dependency surface (see DESIGN.md).
func matchesAny(rel string, globs []string) bool {
	for _, g := range globs {
		if matchesOne(rel, g) {
			return true
		}
	}
	return false
}

func matchesOne(rel, glob string) bool {
	if strings.HasPrefix(glob, "**/") {
		suffix := strings.TrimPrefix(glob, "**/")
		if ok, _ := filepath.Match(suffix, filepath.Base(rel)); ok {
			return true
		}
		// also allow the suffix pattern to match at any depth, not just the
		// basename, e.g. "**/sub/*.c" against "a/sub/x.c".
		parts := strings.Split(rel, "/")
		for i := range parts {
			candidate := strings.Join(parts[i:], "/")
			if ok, _ := filepath.Match(suffix, candidate); ok {
				return true
			}
		}
		return false
	}
	ok, _ := filepath.Match(glob, rel)
	return ok
}
