package bedrock

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeToolName_AlreadySafe(t *testing.T) {
	require.Equal(t, "get_weather", SanitizeToolName("get_weather"))
	require.Equal(t, "atlas_read_get_time_series", SanitizeToolName("atlas.read.get_time_series"))
}

func TestSanitizeToolName_ReplacesDisallowedRunes(t *testing.T) {
	require.Equal(t, "tool_name_v2", SanitizeToolName("tool name:v2"))
}

func TestSanitizeToolName_TruncatesWithStableHash(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := SanitizeToolName(long)
	require.LessOrEqual(t, len(got), 64)
	require.Equal(t, got, SanitizeToolName(long))
	require.Contains(t, got, "_")
}

func TestSanitizeToolName_LongNamesRemainDistinct(t *testing.T) {
	a := SanitizeToolName(strings.Repeat("a", 80) + "x")
	b := SanitizeToolName(strings.Repeat("a", 80) + "y")
	require.NotEqual(t, a, b)
}

func TestSanitizeToolName_Empty(t *testing.T) {
	require.Equal(t, "", SanitizeToolName(""))
}

func TestNormalizeToolName(t *testing.T) {
	require.Equal(t, "search", normalizeToolName("$FUNCTIONS.search"))
	require.Equal(t, "search", normalizeToolName("search"))
}
