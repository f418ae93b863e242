package sourcebuild

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pixi.goldmine.build/go/pixitypes"
)

func TestPaddedHostPrefix_PadsShortPathTo255Chars(t *testing.T) {
	p := paddedHostPrefix("/tmp/ws")
	require.Len(t, p, 255)
	require.Contains(t, p, "_placehold")
}

func TestPaddedHostPrefix_LeavesAlreadyLongPathUnpadded(t *testing.T) {
	long := "/tmp/" + strings.Repeat("x", 300)
	p := paddedHostPrefix(long)
	require.Equal(t, long+"/host_env", p)
}

func TestFindOutput_MatchesOnSubdirNameVersionBuild(t *testing.T) {
	outputs := []outputRecord{
		{Subdir: "linux-64", Name: "foo", Version: "1.0", Build: "h0"},
		{Subdir: "linux-64", Name: "foo", Version: "2.0", Build: "h1"},
	}
	out, ok := findOutput(outputs, pixitypes.SourceRecord{Subdir: "linux-64", Name: "foo", Version: "2.0", Build: "h1"})
	require.True(t, ok)
	require.Equal(t, "2.0", out.Version)

	_, ok = findOutput(outputs, pixitypes.SourceRecord{Subdir: "osx-arm64", Name: "foo", Version: "2.0", Build: "h1"})
	require.False(t, ok)
}

func TestCollectRunExports_ExcludesIgnoredAndIncludesAllStrengths(t *testing.T) {
	records := []pixitypes.PixiRecord{
		pixitypes.NewBinaryRecord(pixitypes.RepoDataRecord{Name: "compiler", RunExports: pixitypes.RunExports{
			Weak: []string{"libgcc"}, Strong: []string{"libstdcxx"},
		}}),
		pixitypes.NewBinaryRecord(pixitypes.RepoDataRecord{Name: "ignored-dep", RunExports: pixitypes.RunExports{
			Strong: []string{"should-not-appear"},
		}}),
	}
	out := collectRunExports(records, []string{"ignored-dep"})
	require.ElementsMatch(t, []string{"libgcc", "libstdcxx"}, out)
}

func TestDependencySHAs_CollectsOnlyBinaryRecords(t *testing.T) {
	records := []pixitypes.PixiRecord{
		pixitypes.NewBinaryRecord(pixitypes.RepoDataRecord{Name: "zlib", Sha256: "abc"}),
		pixitypes.NewSourceRecordPixi(pixitypes.SourceRecord{Name: "mypkg"}),
	}
	deps := dependencySHAs(records)
	require.Equal(t, map[string]string{"zlib": "abc"}, deps.Packages)
}

func TestBuildInput_DerivesFromSpecFields(t *testing.T) {
	spec := Spec{
		Source:           pixitypes.SourceRecord{Name: "mypkg"},
		ChannelConfig:    pixitypes.ChannelConfig{BaseURLs: []string{"https://repo"}},
		BuildEnvironment: pixitypes.BuildEnvironment{HostPlatform: "linux-64"},
	}
	bi := buildInput(spec)
	require.Equal(t, "mypkg", bi.Name)
	require.Equal(t, "linux-64", bi.HostPlatform)
	require.Equal(t, []string{"https://repo"}, bi.ChannelURLs)
}
