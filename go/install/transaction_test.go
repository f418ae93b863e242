package install

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/testutils"
)

var errPermissionDenied = errors.New("permission denied")

func binaryRecord(name, sha string, depends ...string) pixitypes.PixiRecord {
	return pixitypes.NewBinaryRecord(pixitypes.RepoDataRecord{Name: name, Sha256: sha, Depends: depends})
}

func TestPlan_UnlinksRemovedPackagesAndLinksNewOnes(t *testing.T) {
	ops, err := Plan(Spec{
		Installed: []pixitypes.PixiRecord{binaryRecord("old", "sha-old")},
		Records:   []pixitypes.PixiRecord{binaryRecord("new", "sha-new")},
	})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, OpUnlink, ops[0].Kind)
	require.Equal(t, "old", ops[0].Name)
	require.Equal(t, OpLink, ops[1].Kind)
	require.Equal(t, "new", ops[1].Name)
}

func TestPlan_UnchangedArtifactsAreNotTouched(t *testing.T) {
	rec := binaryRecord("stable", "sha-1")
	ops, err := Plan(Spec{Installed: []pixitypes.PixiRecord{rec}, Records: []pixitypes.PixiRecord{rec}})
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestPlan_ForceReinstallRelinksEvenWhenArtifactUnchanged(t *testing.T) {
	rec := binaryRecord("stable", "sha-1")
	ops, err := Plan(Spec{Installed: []pixitypes.PixiRecord{rec}, Records: []pixitypes.PixiRecord{rec}, ForceReinstall: true})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, OpUnlink, ops[0].Kind)
	require.Equal(t, OpLink, ops[1].Kind)
}

func TestPlan_OrdersLinksByDependsBeforeDependents(t *testing.T) {
	ops, err := Plan(Spec{
		Records: []pixitypes.PixiRecord{
			binaryRecord("app", "sha-app", "lib"),
			binaryRecord("lib", "sha-lib"),
		},
	})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "lib", ops[0].Name, "dependency must link before its dependent")
	require.Equal(t, "app", ops[1].Name)
}

func TestPlan_ChangedArtifactUnlinksThenRelinksSameName(t *testing.T) {
	ops, err := Plan(Spec{
		Installed: []pixitypes.PixiRecord{binaryRecord("foo", "sha-v1")},
		Records:   []pixitypes.PixiRecord{binaryRecord("foo", "sha-v2")},
	})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, OpUnlink, ops[0].Kind)
	require.Equal(t, "foo", ops[0].Name)
	require.Equal(t, OpLink, ops[1].Kind)
	require.Equal(t, "foo", ops[1].Name)
}

type fakeCache struct {
	binaryCalls int
	failTimes   int
	path        string
}

func (f *fakeCache) EnsureBinary(ctx context.Context, r pixitypes.RepoDataRecord) (string, error) {
	f.binaryCalls++
	if f.binaryCalls <= f.failTimes {
		return "", ErrCorruptedArchive
	}
	return f.path, nil
}

func (f *fakeCache) EnsureSource(ctx context.Context, spec SourceBuildRequest) (string, error) {
	return f.path, nil
}

type fakeLinker struct {
	linked   []string
	unlinked []string
}

func (f *fakeLinker) Unlink(ctx context.Context, prefix, name string) error {
	f.unlinked = append(f.unlinked, name)
	return nil
}

func (f *fakeLinker) Link(ctx context.Context, prefix, name, cachedPath string) error {
	f.linked = append(f.linked, name)
	return nil
}

func TestExecute_RunsAllOpsAndReportsClean(t *testing.T) {
	testutils.MediumTest(t)

	cache := &fakeCache{path: "/pkgcache/foo-1.0"}
	linker := &fakeLinker{}
	ops := []Op{
		{Kind: OpUnlink, Name: "old"},
		{Kind: OpLink, Name: "new", Record: binaryRecord("new", "sha")},
	}

	res, err := Execute(context.Background(), ops, "/prefix", cache, linker, 2)
	require.NoError(t, err)
	require.False(t, res.Dirty)
	require.Len(t, res.Completed, 2)
	require.Equal(t, []string{"old"}, linker.unlinked)
	require.Equal(t, []string{"new"}, linker.linked)
}

func TestExecute_FirstErrorAbortsAndReportsDirty(t *testing.T) {
	cache := &fakeCache{failTimes: 1000} // always fails past retries
	linker := &fakeLinker{}
	ops := []Op{
		{Kind: OpLink, Name: "bad", Record: binaryRecord("bad", "sha")},
	}

	res, err := Execute(context.Background(), ops, "/prefix", cache, linker, 1)
	require.Error(t, err)
	require.True(t, res.Dirty)
}

func TestPopulateCache_RetriesCorruptedArchiveUpToBound(t *testing.T) {
	cache := &fakeCache{failTimes: 2, path: "/pkgcache/ok"}
	path, err := populateBinary(context.Background(), cache, pixitypes.RepoDataRecord{Name: "flaky"})
	require.NoError(t, err)
	require.Equal(t, "/pkgcache/ok", path)
	require.Equal(t, 3, cache.binaryCalls)
}

func TestPopulateCache_NonCorruptionErrorIsNotRetried(t *testing.T) {
	cache := &permanentFailCache{}
	_, err := populateBinary(context.Background(), cache, pixitypes.RepoDataRecord{Name: "bad"})
	require.Error(t, err)
	require.Equal(t, 1, cache.calls)
}

type permanentFailCache struct{ calls int }

func (f *permanentFailCache) EnsureBinary(ctx context.Context, r pixitypes.RepoDataRecord) (string, error) {
	f.calls++
	return "", errPermissionDenied
}

func (f *permanentFailCache) EnsureSource(ctx context.Context, spec SourceBuildRequest) (string, error) {
	return "", errPermissionDenied
}
