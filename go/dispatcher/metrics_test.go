package dispatcher

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_DedupCacheHitIncrementsCounter(t *testing.T) {
	d := New(Config{})
	defer d.Close()

	before := testutil.ToFloat64(cacheHitsTotal.WithLabelValues(FamilyCondaSolve.String()))

	run := func(ctx context.Context, child *CommandDispatcher) (int, error) { return 1, nil }
	require.NoError(t, (<-Submit(context.Background(), d, FamilyCondaSolve, "k", run)).Err)
	require.NoError(t, (<-Submit(context.Background(), d, FamilyCondaSolve, "k", run)).Err)

	after := testutil.ToFloat64(cacheHitsTotal.WithLabelValues(FamilyCondaSolve.String()))
	require.Equal(t, before+1, after, "second submission with the same dedup key should be served from the result cache")
}
