package bedrock

import "strings"

// CanonicalModelPath returns the invoke path for a model id with SigV4
// canonical-request encoding applied: each path segment is URI-encoded once
// for the request URL and once more for the canonical form, so a ':' in a
// model id becomes "%3A" in the URL and "%253A" in the canonical request.
// The AWS SDK performs the actual signing; this helper reproduces the
// canonical path for request diagnostics and for verifying encoding fixtures.
func CanonicalModelPath(modelID string, streaming bool) string {
	verb := "/invoke"
	if streaming {
		verb = "/invoke-with-response-stream"
	}
	return "/model/" + uriEncode(uriEncode(modelID)) + verb
}

// uriEncode applies AWS SigV4 URI encoding to a single path segment:
// unreserved characters (A-Z, a-z, 0-9, '-', '.', '_', '~') pass through and
// every other byte is percent-encoded with uppercase hex digits.
func uriEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexUpper[c>>4])
			b.WriteByte(hexUpper[c&0xf])
		}
	}
	return b.String()
}

const hexUpper = "0123456789ABCDEF"
