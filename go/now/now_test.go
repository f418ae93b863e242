package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNow_NoOverride_ReturnsWallClock(t *testing.T) {
	before := time.Now()
	got := Now(context.Background())
	after := time.Now()
	require.True(t, !got.Before(before) && !got.After(after))
}

func TestNow_WithTime_ReturnsInstalledTime(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := WithTime(context.Background(), want)
	require.True(t, Now(ctx).Equal(want))
}
