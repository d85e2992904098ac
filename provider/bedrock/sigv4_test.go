package bedrock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalModelPath_DoubleEncodesSegments(t *testing.T) {
	path := CanonicalModelPath("anthropic.claude-3-5-sonnet-20241022-v2:0", false)
	require.Equal(t, "/model/anthropic.claude-3-5-sonnet-20241022-v2%253A0/invoke", path)
}

func TestCanonicalModelPath_Streaming(t *testing.T) {
	path := CanonicalModelPath("anthropic.claude-3-5-sonnet-20241022-v2:0", true)
	require.Equal(t, "/model/anthropic.claude-3-5-sonnet-20241022-v2%253A0/invoke-with-response-stream", path)
}

func TestURIEncode_UnreservedPassThrough(t *testing.T) {
	require.Equal(t, "AZaz09-._~", uriEncode("AZaz09-._~"))
}

func TestURIEncode_SingleAndDoublePass(t *testing.T) {
	require.Equal(t, "a%3Ab", uriEncode("a:b"))
	require.Equal(t, "a%253Ab", uriEncode(uriEncode("a:b")))
	require.Equal(t, "%2F", uriEncode("/"))
	require.Equal(t, "%20", uriEncode(" "))
}
