package sourcemetadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/globhash"
	"pixi.goldmine.build/go/pixitypes"
)

func testDispatcher(t *testing.T) *dispatcher.CommandDispatcher {
	d := dispatcher.New(dispatcher.Config{CacheDir: t.TempDir()})
	t.Cleanup(d.Close)
	return d
}

func TestRequest_DedupKey_StableAcrossVariantOrdering(t *testing.T) {
	base := Request{
		Source:   pixitypes.SourceCheckout{Pinned: pixitypes.PinnedPath("pkgs/foo"), Path: "/ws/pkgs/foo"},
		Channels: []string{"b", "a"},
		Variants: map[string]pixitypes.VariantValue{
			"python": {Value: "3.11"},
			"numpy":  {Value: "1.26"},
		},
	}
	reordered := base
	reordered.Channels = []string{"a", "b"}

	require.Equal(t, base.dedupKey(), reordered.dedupKey())
}

func TestRequest_DedupKey_ChangesWithBuildEnvironment(t *testing.T) {
	base := Request{
		Source:           pixitypes.SourceCheckout{Pinned: pixitypes.PinnedPath("pkgs/foo"), Path: "/ws/pkgs/foo"},
		BuildEnvironment: pixitypes.BuildEnvironment{HostPlatform: "linux-64"},
	}
	other := base
	other.BuildEnvironment.HostPlatform = "osx-arm64"

	require.NotEqual(t, base.dedupKey(), other.dedupKey())
}

func TestResolver_CheckCacheHit_ImmutableSourceAlwaysHits(t *testing.T) {
	r := NewResolver(t.TempDir(), nil, globhash.NewCache(), nil)
	req := Request{Source: pixitypes.SourceCheckout{Pinned: pixitypes.PinnedURL("https://example/x.tar", "abc", ""), Path: "/cache/x"}}

	hit, meta := r.checkCacheHit(req, onDiskEntry{Packages: []onDiskRecord{{Name: "foo", Version: "1.0"}}})
	require.True(t, hit)
	require.Len(t, meta.Records, 1)
	require.Equal(t, "foo", meta.Records[0].Name)
}

func TestResolver_CheckCacheHit_MutableSourceRecomputesHash(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.c"), []byte("v1"), 0o644))

	gh := globhash.NewCache()
	h, err := gh.Hash(dir, []string{"*.c"}, nil)
	require.NoError(t, err)

	r := NewResolver(t.TempDir(), nil, globhash.NewCache(), nil)
	req := Request{Source: pixitypes.SourceCheckout{Pinned: pixitypes.PinnedPath("pkg"), Path: dir}}
	entry := onDiskEntry{
		Packages:  []onDiskRecord{{Name: "foo"}},
		InputHash: &pixitypes.InputHash{Globs: []string{"*.c"}, Hash: h.Digest},
	}

	hit, _ := r.checkCacheHit(req, entry)
	require.True(t, hit)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.c"), []byte("v2"), 0o644))
	hit, _ = r.checkCacheHit(req, entry)
	require.False(t, hit, "changed file contents must invalidate a mutable-source cache hit")
}

func TestResolver_Submit_OnDiskCacheHitSkipsBackendQuery(t *testing.T) {
	cacheDir := t.TempDir()
	srcDir := t.TempDir()

	r := NewResolver(cacheDir, nil, globhash.NewCache(), nil)
	req := Request{Source: pixitypes.SourceCheckout{Pinned: pixitypes.PinnedURL("https://example/x.tar", "abc", ""), Path: srcDir}}

	entryDir := filepath.Join(cacheDir, "source-metadata", entryHash(req))
	require.NoError(t, os.MkdirAll(entryDir, 0o755))
	require.NoError(t, writeEntry(filepath.Join(entryDir, "metadata.json"), onDiskEntry{
		Packages: []onDiskRecord{{Name: "cached-pkg", Version: "9.9"}},
	}))

	res := <-r.Submit(context.Background(), testDispatcher(t), req)
	require.NoError(t, res.Err)
	require.Len(t, res.Value.Records, 1)
	require.Equal(t, "cached-pkg", res.Value.Records[0].Name)
}
