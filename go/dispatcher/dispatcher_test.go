package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *CommandDispatcher {
	return New(Config{CacheDir: "/tmp/pixi-test"})
}

func TestSubmit_ReturnsValue(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	ch := Submit(context.Background(), d, FamilyGitFetch, "", func(ctx context.Context, _ *CommandDispatcher) (int, error) {
		return 42, nil
	})
	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, 42, res.Value)
}

func TestSubmit_Dedup_RunsOnceForIdenticalKey(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	var runs int64
	started := make(chan struct{})
	release := make(chan struct{})

	run := func(ctx context.Context, _ *CommandDispatcher) (string, error) {
		if atomic.AddInt64(&runs, 1) == 1 {
			close(started)
			<-release
		}
		return "value", nil
	}

	ch1 := Submit(context.Background(), d, FamilySourceMetadata, "same-key", run)
	<-started
	ch2 := Submit(context.Background(), d, FamilySourceMetadata, "same-key", run)
	close(release)

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.Equal(t, "value", r1.Value)
	require.Equal(t, "value", r2.Value)
	require.EqualValues(t, 1, atomic.LoadInt64(&runs))
}

func TestSubmit_Dedup_CacheHitSkipsSecondRun(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	var runs int64
	run := func(ctx context.Context, _ *CommandDispatcher) (string, error) {
		atomic.AddInt64(&runs, 1)
		return "value", nil
	}

	r1 := <-Submit(context.Background(), d, FamilyGitFetch, "https://example/repo", run)
	require.NoError(t, r1.Err)

	r2 := <-Submit(context.Background(), d, FamilyGitFetch, "https://example/repo", run)
	require.NoError(t, r2.Err)
	require.Equal(t, r1.Value, r2.Value)
	require.EqualValues(t, 1, atomic.LoadInt64(&runs))
}

func TestSubmit_CycleDetection_ReturnsCycleSynchronously(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	var cycleErr error
	done := make(chan struct{})
	ch := Submit(context.Background(), d, FamilySourceMetadata, "A", func(ctx context.Context, child *CommandDispatcher) (int, error) {
		// "A" submits a sub-task also tagged "A" in the same family: this
		// must fail with Cycle rather than hang or deadlock.
		inner := <-Submit(ctx, child, FamilySourceMetadata, "A", func(context.Context, *CommandDispatcher) (int, error) {
			t.Fatal("inner task body must never run for a cyclic submission")
			return 0, nil
		})
		cycleErr = inner.Err
		close(done)
		return 0, inner.Err
	})

	<-done
	<-ch
	require.Error(t, cycleErr)
	var failed *Failed
	require.ErrorAs(t, cycleErr, &failed)
	require.Equal(t, KindCycle, failed.Kind)
}

func TestSubmit_Cancellation_ResolvesPromptly(t *testing.T) {
	d := newTestDispatcher()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	ch := Submit(ctx, d, FamilyCondaSolve, "", func(ctx context.Context, _ *CommandDispatcher) (int, error) {
		<-blocked // never actually released in this test; simulates long-running solve
		return 0, nil
	})

	cancel()
	select {
	case res := <-ch:
		require.ErrorIs(t, res.Err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not resolve promptly")
	}
	close(blocked)
}

func TestClose_ShutsDownAfterTasksComplete(t *testing.T) {
	d := newTestDispatcher()
	ch := Submit(context.Background(), d, FamilyGlobHash, "", func(context.Context, *CommandDispatcher) (int, error) {
		return 1, nil
	})
	res := <-ch
	require.NoError(t, res.Err)
	d.Close()
}
