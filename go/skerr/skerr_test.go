package skerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrap_Nil_ReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(nil))
}

func TestWrap_AnnotatesLocationAndPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(cause)
	require.Error(t, wrapped)
	require.True(t, errors.Is(wrapped, cause))
	require.Contains(t, wrapped.Error(), "boom")
	require.Contains(t, wrapped.Error(), "skerr_test.go")
}

func TestFmt_FormatsMessage(t *testing.T) {
	err := Fmt("missing %s", "widget")
	require.Contains(t, err.Error(), "missing widget")
}

func TestCallStack_RespectsHeight(t *testing.T) {
	frames := CallStack(2, 1)
	require.LessOrEqual(t, len(frames), 2)
}
