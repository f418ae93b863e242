package gitfetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/dispatcher"
)

// fakeProvider is a Provider that records calls instead of shelling out to
// git, in the style of go.goldmine.build's git/testutils mock providers.
type fakeProvider struct {
	calls int64
	fetch func(ctx context.Context, cacheDir, url, ref string) (Fetch, error)
}

func (f *fakeProvider) Fetch(ctx context.Context, cacheDir, url, ref string) (Fetch, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.fetch(ctx, cacheDir, url, ref)
}

func newTestDispatcher() *dispatcher.CommandDispatcher {
	return dispatcher.New(dispatcher.Config{CacheDir: "/tmp/pixi-gitfetch-test"})
}

func TestFetcher_Submit_ReturnsCheckout(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	fp := &fakeProvider{fetch: func(ctx context.Context, cacheDir, url, ref string) (Fetch, error) {
		return Fetch{Path: cacheDir + "/repo", Commit: "abc123"}, nil
	}}
	f := NewFetcherWithProvider("/tmp/pixi-gitfetch-test", fp)

	res := <-f.Submit(context.Background(), d, "https://example/repo.git", "main")
	require.NoError(t, res.Err)
	require.Equal(t, "abc123", res.Value.Commit)

	commit, ok := f.ResolvedCommit("https://example/repo.git", "main")
	require.True(t, ok)
	require.Equal(t, "abc123", commit)
}

func TestFetcher_Submit_DedupesByURLAlone(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	fp := &fakeProvider{fetch: func(ctx context.Context, cacheDir, url, ref string) (Fetch, error) {
		close(started)
		<-release
		return Fetch{Path: cacheDir + "/repo", Commit: "headsha"}, nil
	}}
	f := NewFetcherWithProvider("/tmp/pixi-gitfetch-test", fp)

	ch1 := f.Submit(context.Background(), d, "https://example/repo.git", "main")
	<-started
	ch2 := f.Submit(context.Background(), d, "https://example/repo.git", "other-branch")
	close(release)

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.Equal(t, "headsha", r1.Value.Commit)
	require.Equal(t, "headsha", r2.Value.Commit)
	require.EqualValues(t, 1, atomic.LoadInt64(&fp.calls))
}

func TestFetcher_Submit_WrapsProviderErrorAsSourceCheckoutFailure(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	boom := errors.New("clone failed")
	fp := &fakeProvider{fetch: func(ctx context.Context, cacheDir, url, ref string) (Fetch, error) {
		return Fetch{}, boom
	}}
	f := NewFetcherWithProvider("/tmp/pixi-gitfetch-test", fp)

	res := <-f.Submit(context.Background(), d, "https://example/broken.git", "main")
	require.Error(t, res.Err)
	var failed *dispatcher.Failed
	require.ErrorAs(t, res.Err, &failed)
	require.Equal(t, dispatcher.KindSourceCheckout, failed.Kind)
}
