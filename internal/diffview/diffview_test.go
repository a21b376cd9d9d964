package diffview

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeDiff_DetectsAddedAndRemovedLines(t *testing.T) {
	old := "alpha\nbeta\ngamma\n"
	updated := "alpha\nBETA\ngamma\ndelta\n"

	fd := ComputeDiff("file.txt", old, updated)
	require.NotEmpty(t, fd.Hunks)

	rendered := fd.Render()
	require.Contains(t, rendered, "-beta")
	require.Contains(t, rendered, "+BETA")
	require.Contains(t, rendered, "+delta")
	require.Contains(t, rendered, "file.txt")
}

func TestComputeDiff_IdenticalContentHasNoHunks(t *testing.T) {
	fd := ComputeDiff("same.txt", "one\ntwo\n", "one\ntwo\n")
	require.Empty(t, fd.Hunks)
}

func TestComputeDiff_CachesByContentHash(t *testing.T) {
	e := NewEngine()
	first := e.ComputeDiff("a.txt", "x\n", "y\n")
	second := e.ComputeDiff("b.txt", "x\n", "y\n")

	require.Equal(t, len(first.Hunks), len(second.Hunks))
	require.Equal(t, "b.txt", second.Path)
}

func TestComputeWordLevelDiff_HighlightsIntraLineChange(t *testing.T) {
	e := NewEngine()
	diffs := e.ComputeWordLevelDiff("the quick fox", "the slow fox")
	var joined strings.Builder
	for _, d := range diffs {
		joined.WriteString(d.Text)
	}
	require.Contains(t, joined.String(), "quick")
	require.Contains(t, joined.String(), "slow")
}

func TestRender_IncludesHunkHeader(t *testing.T) {
	fd := ComputeDiff("f.go", "a\nb\nc\n", "a\nB\nc\n")
	rendered := fd.Render()
	require.True(t, strings.HasPrefix(rendered, "--- f.go"))
	require.Contains(t, rendered, "@@")
}
