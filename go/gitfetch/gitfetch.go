// Package gitfetch turns a git URL + reference into a pinned local checkout,
// deduplicating concurrent requests for the same remote (§4.3). It is
// grounded on go.goldmine.build/go/git/provider: the dispatcher's Provider
// interface below mirrors that package's Provider, narrowed to what a
// checkout needs (clone/fetch + ref resolution) rather than commit history
// traversal.
package gitfetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/exec"
	"pixi.goldmine.build/go/now"
	"pixi.goldmine.build/go/skerr"
	"pixi.goldmine.build/go/sklog"
)

// Fetch is the result of a successful git fetch: a local checkout path and
// the commit the requested reference resolved to.
type Fetch struct {
	Path   string
	Commit string
}

// Provider does the actual repository work. CLIProvider is the default,
// shelling out to git; other providers (e.g. a Gitiles or GitHub-API backed
// one, as go.goldmine.build's gitapi.go and gitiles.go do for read-only
// history queries) can be substituted for environments without a local git
// binary.
type Provider interface {
	// Fetch clones (or updates an existing clone of) url into a directory
	// under cacheDir unique to that remote, checks out ref (a branch, tag,
	// full SHA, or "" for the default branch), and returns the path plus
	// the commit ref resolved to.
	Fetch(ctx context.Context, cacheDir, url, ref string) (Fetch, error)
}

// Fetcher is the dedup-aware git fetcher the dispatcher submits
// FamilyGitFetch tasks through. It deduplicates by URL alone (not URL+ref):
// the underlying clone is shared across every ref requested for the same
// remote, matching §4.3's "the cache maintains all refs for a given remote."
type Fetcher struct {
	provider Provider
	cacheDir string

	mu          sync.Mutex
	refsByURL   map[string]map[string]string // url -> ref -> resolved commit, populated as refs are resolved
}

// NewFetcher builds a Fetcher rooted at cacheDir using the CLI git provider.
func NewFetcher(cacheDir string) *Fetcher {
	return &Fetcher{
		provider:  CLIProvider{},
		cacheDir:  cacheDir,
		refsByURL: make(map[string]map[string]string),
	}
}

// NewFetcherWithProvider is the same as NewFetcher but with an injectable
// Provider, used by tests and by callers preferring a read-only API-backed
// provider over shelling out to git.
func NewFetcherWithProvider(cacheDir string, p Provider) *Fetcher {
	return &Fetcher{provider: p, cacheDir: cacheDir, refsByURL: make(map[string]map[string]string)}
}

// Submit requests a checkout of url at ref. Per §4.3, the dedup key is the
// URL alone: a second request for the same URL (even with a different ref)
// attaches to the same in-flight or cached fetch rather than starting a
// parallel one, and receives that fetch's result, whose Commit is the one
// the first request's ref resolved to; its own ref is not resolved
// separately.
func (f *Fetcher) Submit(ctx context.Context, d *dispatcher.CommandDispatcher, url, ref string) <-chan dispatcher.Result[Fetch] {
	return dispatcher.Submit(ctx, d, dispatcher.FamilyGitFetch, url, func(ctx context.Context, child *dispatcher.CommandDispatcher) (Fetch, error) {
		start := now.Now(ctx)
		fetch, err := f.provider.Fetch(ctx, f.cacheDir, url, ref)
		if err != nil {
			return Fetch{}, dispatcher.NewFailed(dispatcher.KindSourceCheckout, skerr.Wrapf(err, "git fetch %s@%s", url, ref))
		}
		f.recordRef(url, ref, fetch.Commit)
		sklog.Infof("gitfetch: %s@%s -> %s in %s", url, ref, fetch.Commit, now.Now(ctx).Sub(start))
		return fetch, nil
	})
}

func (f *Fetcher) recordRef(url, ref, commit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.refsByURL[url]
	if !ok {
		m = make(map[string]string)
		f.refsByURL[url] = m
	}
	m[ref] = commit
}

// ResolvedCommit returns the commit a previously-fetched ref resolved to,
// for callers (e.g. source checkout) that need it without resubmitting a
// fetch.
func (f *Fetcher) ResolvedCommit(url, ref string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commit, ok := f.refsByURL[url][ref]
	return commit, ok
}

// CLIProvider shells out to a local git binary via go/exec, in the style of
// go.goldmine.build's exec wrapper (timeouts, captured output, injectable
// Run for tests).
type CLIProvider struct{}

func (CLIProvider) Fetch(ctx context.Context, cacheDir, url, ref string) (Fetch, error) {
	dir := filepath.Join(cacheDir, dirNameForURL(url))
	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return Fetch{}, skerr.Wrap(err)
		}
		if err := exec.Run(ctx, &exec.Command{
			Name: "git",
			Args: []string{"clone", "--no-checkout", url, dir},
		}); err != nil {
			return Fetch{}, skerr.Wrapf(err, "clone %s", url)
		}
	} else {
		if err := exec.Run(ctx, &exec.Command{
			Name: "git",
			Args: []string{"fetch", "origin"},
			Dir:  dir,
		}); err != nil {
			return Fetch{}, skerr.Wrapf(err, "fetch origin in %s", dir)
		}
	}

	checkoutRef := ref
	if checkoutRef == "" {
		checkoutRef = "origin/HEAD"
	}
	if err := exec.Run(ctx, &exec.Command{
		Name: "git",
		Args: []string{"checkout", checkoutRef},
		Dir:  dir,
	}); err != nil {
		return Fetch{}, skerr.Wrapf(err, "checkout %s in %s", checkoutRef, dir)
	}

	out, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"rev-parse", "HEAD"},
		Dir:  dir,
	})
	if err != nil {
		return Fetch{}, skerr.Wrapf(err, "rev-parse HEAD in %s", dir)
	}

	return Fetch{Path: dir, Commit: trimNewline([]byte(out))}, nil
}

func dirNameForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%x", sum[:16])
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
