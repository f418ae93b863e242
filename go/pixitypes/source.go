// Package pixitypes holds the data model shared by every command-dispatcher
// task family: pinned sources, checkouts, backend specs, records, and the
// build cache entries derived from them. None of these types know how to
// produce themselves; that is the job of go/sourcecheckout, go/buildbackend,
// go/sourcemetadata, go/solve, go/install and go/sourcebuild respectively.
package pixitypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SourceKind discriminates the PinnedSource union.
type SourceKind int

const (
	SourceKindPath SourceKind = iota
	SourceKindURL
	SourceKindGit
)

func (k SourceKind) String() string {
	switch k {
	case SourceKindPath:
		return "path"
	case SourceKindURL:
		return "url"
	case SourceKindGit:
		return "git"
	default:
		return "unknown"
	}
}

// PinnedSource narrows a source specification to something that resolves to
// exactly one checkout: a workspace-relative path, a URL with an optional
// content hash, or a git URL pinned to a commit. Path sources are mutable
// (the files on disk may change between checkouts); URL and Git sources are
// immutable once pinned.
type PinnedSource struct {
	Kind SourceKind

	// Path is set when Kind == SourceKindPath. It is relative to the
	// workspace root.
	Path string

	// URL, Sha256, Md5 are set when Kind == SourceKindURL.
	URL    string
	Sha256 string
	Md5    string

	// GitURL, Commit, Subdirectory are set when Kind == SourceKindGit.
	GitURL        string
	Commit        string
	Subdirectory  string
}

// Immutable reports whether the pinned source is guaranteed to always
// resolve to the same file contents. Only Path sources are mutable.
func (p PinnedSource) Immutable() bool {
	return p.Kind != SourceKindPath
}

// CacheKey returns a stable string uniquely identifying this pinned source
// for use as part of an on-disk cache key. It deliberately does not hash the
// Path variant's contents (those are covered separately by the input hash).
func (p PinnedSource) CacheKey() string {
	h := sha256.New()
	switch p.Kind {
	case SourceKindPath:
		fmt.Fprintf(h, "path\x00%s", p.Path)
	case SourceKindURL:
		fmt.Fprintf(h, "url\x00%s\x00%s\x00%s", p.URL, p.Sha256, p.Md5)
	case SourceKindGit:
		fmt.Fprintf(h, "git\x00%s\x00%s\x00%s", p.GitURL, p.Commit, p.Subdirectory)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func PinnedPath(path string) PinnedSource {
	return PinnedSource{Kind: SourceKindPath, Path: path}
}

func PinnedURL(url, sha256hex, md5hex string) PinnedSource {
	return PinnedSource{Kind: SourceKindURL, URL: url, Sha256: sha256hex, Md5: md5hex}
}

func PinnedGit(url, commit, subdirectory string) PinnedSource {
	return PinnedSource{Kind: SourceKindGit, GitURL: url, Commit: commit, Subdirectory: subdirectory}
}

// SourceCheckout is the result of resolving a PinnedSource to a local
// directory. Path is guaranteed to exist at the moment the checkout step
// returns it, but nothing prevents later mutation or removal: callers that
// need a stable view should re-checkout or hash the files they depend on.
type SourceCheckout struct {
	Pinned PinnedSource
	Path   string
}
