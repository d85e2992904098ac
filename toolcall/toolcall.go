// Package toolcall implements the tool-call parser: it
// extracts the first function_calls block from accumulated text, serializes
// tool results back into the XML protocol, and supports the split-turn
// variant used when a tool result carries images.
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/antra-tess/membrane/content"
)

// Call is a single parsed tool invocation.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Extraction is the result of parsing the first function_calls block out of
// accumulated text.
type Extraction struct {
	Calls     []Call
	Before    string
	After     string
	FullMatch string
	Found     bool
}

var (
	openTagRe  = regexp.MustCompile(`(?s)<(?:antml:)?function_calls>`)
	closeTagRe = regexp.MustCompile(`(?s)</(?:antml:)?function_calls>`)
	invokeRe   = regexp.MustCompile(`(?s)<invoke name="([^"]*)">(.*?)</invoke>`)
	paramRe    = regexp.MustCompile(`(?s)<parameter name="([^"]*)">(.*?)</parameter>`)
)

// idCounter is a monotonic, process-wide fallback used only when a caller
// extracts without its own per-stream counter; Extractor scopes ids per
// stream via seq.
var idCounter int64

// Extractor extracts tool calls and assigns locally unique ids via a counter
// scoped to the Extractor instance, so ids stay monotonic within one stream.
// A random per-instance prefix keeps ids distinct across concurrent streams
// too.
type Extractor struct {
	prefix string
	seq    int64
}

// NewExtractor constructs an Extractor with its own per-stream id counter.
func NewExtractor() *Extractor {
	return &Extractor{prefix: "toolu_" + uuid.NewString()[:8] + "_"}
}

func (e *Extractor) nextID() string {
	n := atomic.AddInt64(&e.seq, 1)
	return e.prefix + strconv.FormatInt(n, 10)
}

// nextGlobalID is used only by the package-level Extract convenience
// function, for callers that do not need per-stream scoping.
func nextGlobalID() string {
	n := atomic.AddInt64(&idCounter, 1)
	return "toolu_" + strconv.FormatInt(n, 10)
}

// Extract finds the first function_calls ... /function_calls block in text
// using the package-level id counter. Prefer (*Extractor).Extract for
// stream-scoped id uniqueness.
func Extract(text string) Extraction {
	return extract(text, nextGlobalID)
}

// Extract finds the first function_calls block, assigning ids from e's
// per-stream counter.
func (e *Extractor) Extract(text string) Extraction {
	return extract(text, e.nextID)
}

func extract(text string, genID func() string) Extraction {
	loc := openTagRe.FindStringIndex(text)
	if loc == nil {
		return Extraction{Found: false, Before: text}
	}
	closeLoc := closeTagRe.FindStringIndex(text[loc[1]:])
	if closeLoc == nil {
		// Open tag present but never closed: not a complete block yet.
		return Extraction{Found: false, Before: text}
	}
	blockStart, blockEnd := loc[0], loc[1]+closeLoc[1]
	before := text[:blockStart]
	after := text[blockEnd:]
	full := text[blockStart:blockEnd]
	inner := text[loc[1] : loc[1]+closeLoc[0]]

	var calls []Call
	for _, m := range invokeRe.FindAllStringSubmatch(inner, -1) {
		name := m[1]
		body := m[2]
		input := parseParams(body)
		calls = append(calls, Call{ID: genID(), Name: name, Input: input})
	}
	return Extraction{Calls: calls, Before: before, After: after, FullMatch: full, Found: true}
}

// parseParams builds a JSON object from parameter name="K">V</parameter>
// entries. Each V is first attempted as a structured JSON value; on failure
// it is kept as a trimmed string.
func parseParams(body string) json.RawMessage {
	obj := make(map[string]any)
	for _, m := range paramRe.FindAllStringSubmatch(body, -1) {
		key := m[1]
		raw := strings.TrimSpace(m[2])
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			obj[key] = v
		} else {
			obj[key] = raw
		}
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage("{}")
	}
	return encoded
}

// HasUnclosedToolBlock reports whether text contains more function_calls
// open tags than close tags, i.e. a block that has not yet been terminated.
func HasUnclosedToolBlock(text string) bool {
	opens := len(openTagRe.FindAllStringIndex(text, -1))
	closes := len(closeTagRe.FindAllStringIndex(text, -1))
	return opens > closes
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// FormatResults serializes results into the function_results XML protocol.
// When every result's Content is a plain string (or nil), it returns a
// single combined string with Split.Has == false. When any result carries
// image content blocks, it returns the split-turn variant:
// text produced before the first image-bearing result, the images
// themselves, and text produced after, so the Engine can inject images as a
// user-role turn between two assistant-role halves.
type Split struct {
	Has       bool
	BeforeXML string
	Images    []content.ImagePart
	AfterXML  string
}

// FormatResults builds the <function_results> block (or its split-turn
// variant) for a set of tool results.
func FormatResults(results []content.ToolResult) (string, Split) {
	var hasImages bool
	for _, r := range results {
		if parts, ok := r.Content.([]content.Part); ok {
			for _, p := range parts {
				if _, ok := p.(content.ImagePart); ok {
					hasImages = true
				}
			}
		}
	}
	if !hasImages {
		return formatPlain(results), Split{}
	}
	return "", formatSplit(results)
}

func formatPlain(results []content.ToolResult) string {
	var b strings.Builder
	b.WriteString("<function_results>\n")
	for _, r := range results {
		text := resultText(r)
		if r.IsError {
			fmt.Fprintf(&b, "<error tool_use_id=\"%s\">%s</error>\n", r.ToolUseID, xmlEscaper.Replace(text))
		} else {
			fmt.Fprintf(&b, "<result tool_use_id=\"%s\">%s</result>\n", r.ToolUseID, xmlEscaper.Replace(text))
		}
	}
	b.WriteString("</function_results>")
	return b.String()
}

func formatSplit(results []content.ToolResult) Split {
	var before, after strings.Builder
	var images []content.ImagePart
	seenImage := false

	before.WriteString("<function_results>\n")
	for _, r := range results {
		parts, ok := r.Content.([]content.Part)
		if !ok {
			dst := &before
			if seenImage {
				dst = &after
			}
			writeResultTag(dst, r, resultText(r))
			continue
		}
		var textBuf strings.Builder
		for _, p := range parts {
			switch v := p.(type) {
			case content.TextPart:
				textBuf.WriteString(v.Text)
			case content.ImagePart:
				images = append(images, v)
				seenImage = true
			}
		}
		dst := &before
		if seenImage && textBuf.Len() == 0 {
			// the tag itself belongs with the images that precede it in
			// emission order; since this result IS the image carrier, place
			// its tag before the split point.
			dst = &before
		} else if seenImage {
			dst = &after
		}
		writeResultTag(dst, r, textBuf.String())
	}
	after.WriteString("</function_results>")
	return Split{Has: true, BeforeXML: before.String(), Images: images, AfterXML: after.String()}
}

func writeResultTag(b *strings.Builder, r content.ToolResult, text string) {
	if r.IsError {
		fmt.Fprintf(b, "<error tool_use_id=\"%s\">%s</error>\n", r.ToolUseID, xmlEscaper.Replace(text))
	} else {
		fmt.Fprintf(b, "<result tool_use_id=\"%s\">%s</result>\n", r.ToolUseID, xmlEscaper.Replace(text))
	}
}

func resultText(r content.ToolResult) string {
	switch v := r.Content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
