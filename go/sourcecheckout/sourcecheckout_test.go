package sourcecheckout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/pixitypes"
)

func newTestDispatcher() *dispatcher.CommandDispatcher {
	return dispatcher.New(dispatcher.Config{CacheDir: "/tmp/pixi-sourcecheckout-test"})
}

func TestResolver_Submit_PathVariant(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkgs", "foo"), 0o755))

	d := newTestDispatcher()
	defer d.Close()
	r := NewResolver(root, t.TempDir(), nil, nil)

	res := <-r.Submit(context.Background(), d, pixitypes.PinnedPath("pkgs/foo"), "")
	require.NoError(t, res.Err)
	require.Equal(t, filepath.Join(root, "pkgs", "foo"), res.Value.Path)
}

func TestResolver_Submit_PathVariant_RejectsEscape(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher()
	defer d.Close()
	r := NewResolver(root, t.TempDir(), nil, nil)

	res := <-r.Submit(context.Background(), d, pixitypes.PinnedPath("../../etc"), "")
	require.Error(t, res.Err)
}

func TestResolver_Submit_URLVariant_FetchesAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits++
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	d := newTestDispatcher()
	defer d.Close()
	r := NewResolver(t.TempDir(), t.TempDir(), srv.Client(), nil)

	pinned := pixitypes.PinnedURL(srv.URL+"/pkg.tar", "", "")
	res1 := <-r.Submit(context.Background(), d, pinned, "")
	require.NoError(t, res1.Err)

	res2 := <-r.Submit(context.Background(), d, pinned, "")
	require.NoError(t, res2.Err)
	require.Equal(t, res1.Value.Path, res2.Value.Path)
	require.Equal(t, 1, hits, "second request must hit the content-addressed cache, not refetch")
}

func TestResolver_Submit_URLVariant_RejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	d := newTestDispatcher()
	defer d.Close()
	r := NewResolver(t.TempDir(), t.TempDir(), srv.Client(), nil)

	pinned := pixitypes.PinnedURL(srv.URL+"/pkg.tar", "deadbeef", "")
	res := <-r.Submit(context.Background(), d, pinned, "")
	require.Error(t, res.Err)
}
