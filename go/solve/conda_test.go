package solve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/dispatcher"
	"pixi.goldmine.build/go/pixitypes"
)

var errBoom = errors.New("backend exploded")

type fakeBackend struct {
	task SolveTask
	recs []SolverRecord
	err  error
}

func (f *fakeBackend) Solve(ctx context.Context, task SolveTask) ([]SolverRecord, error) {
	f.task = task
	return f.recs, f.err
}

func testDispatcher(t *testing.T) *dispatcher.CommandDispatcher {
	d := dispatcher.New(dispatcher.Config{CacheDir: t.TempDir()})
	t.Cleanup(d.Close)
	return d
}

func TestSolveConda_EmptySpecsSkipsSolve(t *testing.T) {
	backend := &fakeBackend{}
	out, err := solveConda(context.Background(), testDispatcher(t), backend, CondaSolveSpec{})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, backend.task.MatchSpecs, "solver must not be invoked for an empty spec")
}

func TestSolveConda_MapsSyntheticURLBackToSourceRecord(t *testing.T) {
	src := pixitypes.SourceRecord{Name: "mypkg", Version: "1.0", Build: "h0", Subdir: "linux-64"}
	url := syntheticSourceURL(src)
	backend := &fakeBackend{recs: []SolverRecord{
		{Name: "mypkg", Version: "1.0", Build: "h0", Subdir: "linux-64", URL: url},
		{Name: "zlib", Version: "1.3", Build: "h1", Subdir: "linux-64", URL: "https://repo/zlib.tar.bz2"},
	}}

	out, err := solveConda(context.Background(), testDispatcher(t), backend, CondaSolveSpec{
		SourceSpecs: []SourceSpecInput{{Record: src}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	byName := map[string]pixitypes.PixiRecord{}
	for _, r := range out {
		byName[r.Name()] = r
	}
	require.Equal(t, pixitypes.PixiRecordKindSource, byName["mypkg"].Kind)
	require.Equal(t, pixitypes.PixiRecordKindBinary, byName["zlib"].Kind)
}

func TestSolveConda_DropsDevSourcePhantomsFromResult(t *testing.T) {
	backend := &fakeBackend{recs: []SolverRecord{
		{Name: devSourcePackageName("workspace-lib"), Version: "0.0"},
		{Name: "requests", Version: "2.0", URL: "https://repo/requests.tar.bz2"},
	}}

	out, err := solveConda(context.Background(), testDispatcher(t), backend, CondaSolveSpec{
		DevSourceRecords: []DevSourceRecord{{Name: "workspace-lib", Depends: []string{"requests", "workspace-lib"}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "requests", out[0].Name())
}

func TestSolveConda_RejectsDuplicateSpecsDifferingOnlyInCase(t *testing.T) {
	_, err := solveConda(context.Background(), testDispatcher(t), &fakeBackend{}, CondaSolveSpec{
		BinarySpecs: []MatchSpec{"NumPy >=1.0", "numpy <2.0"},
	})
	require.Error(t, err)
	var failed *dispatcher.Failed
	require.ErrorAs(t, err, &failed)
	require.Equal(t, dispatcher.KindSpecConversion, failed.Kind)
}

func TestSolveConda_WrapsBackendErrorAsSolveFailure(t *testing.T) {
	backend := &fakeBackend{err: errBoom}
	_, err := solveConda(context.Background(), testDispatcher(t), backend, CondaSolveSpec{
		BinarySpecs: []MatchSpec{"numpy"},
	})
	require.Error(t, err)
	var failed *dispatcher.Failed
	require.ErrorAs(t, err, &failed)
	require.Equal(t, dispatcher.KindSolve, failed.Kind)
}
