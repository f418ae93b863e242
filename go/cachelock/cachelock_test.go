package cachelock

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/testutils"
)

func TestAcquire_ExcludesConcurrentHolders(t *testing.T) {
	testutils.MediumTest(t)

	path := filepath.Join(t.TempDir(), "entry.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)

	var acquired int32
	done := make(chan struct{})
	go func() {
		l2, err := Acquire(path)
		require.NoError(t, err)
		atomic.StoreInt32(&acquired, 1)
		require.NoError(t, l2.Release())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&acquired), "second acquirer must block while the first holds the lock")

	require.NoError(t, l1.Release())
	<-done
	require.EqualValues(t, 1, atomic.LoadInt32(&acquired))
}

func TestAcquire_ReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
