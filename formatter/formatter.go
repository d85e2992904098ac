// Package formatter implements the prefill formatter and the
// native/completions formatters: serializing a normalized
// conversation, tool definitions, and cache markers into a provider-ready
// message sequence.
//
// Formatters are a capability set, not an inheritance hierarchy:
// Engine selects a concrete Formatter by tool mode rather than subclassing.
package formatter

import (
	"fmt"
	"strings"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/tagparser"
	"github.com/antra-tess/membrane/toolcall"
)

// UnsupportedMediaPolicy controls how a Formatter reacts to media it cannot
// encode for the target provider.
type UnsupportedMediaPolicy string

const (
	UnsupportedMediaError UnsupportedMediaPolicy = "error"
	UnsupportedMediaStrip UnsupportedMediaPolicy = "strip"
)

// ToolInjectionMode controls where XML tool-protocol instructions are placed.
type ToolInjectionMode string

const (
	ToolInjectionSystem       ToolInjectionMode = "system"
	ToolInjectionConversation ToolInjectionMode = "conversation"
)

// Options configures the prefill formatter.
type Options struct {
	AssistantParticipant   string
	ToolInjectionMode      ToolInjectionMode
	ToolInjectionPosition  int
	PromptCaching          bool
	CacheTTL               string
	MessageDelimiter       string
	MaxParticipantsForStop int
	PrefillThinking        bool
	ContextPrefix          string
	HasCacheMarker         func(msg content.Message, index int) bool
	UnsupportedMedia       UnsupportedMediaPolicy
}

func (o Options) withDefaults() Options {
	if o.AssistantParticipant == "" {
		o.AssistantParticipant = "assistant"
	}
	if o.ToolInjectionMode == "" {
		o.ToolInjectionMode = ToolInjectionSystem
	}
	if o.ToolInjectionPosition <= 0 {
		o.ToolInjectionPosition = 10
	}
	if o.MaxParticipantsForStop <= 0 {
		o.MaxParticipantsForStop = 4
	}
	if o.UnsupportedMedia == "" {
		o.UnsupportedMedia = UnsupportedMediaError
	}
	return o
}

// maxCacheMarkers is the provider-side ceiling on cache-control tokens per
// request.
const maxCacheMarkers = 4

// ProviderRequest is the opaque-to-the-Engine output of BuildMessages: a
// provider-ready message sequence plus stop sequences, cache accounting, and
// optional native tool definitions. Concrete adapters perform the final
// wire-level encoding from this shape.
type ProviderRequest struct {
	ProviderMessages    []content.Message
	SystemBlocks        []content.Part
	StopSequences       []string
	AssistantPrefill    string
	CacheMarkersApplied int
	NativeTools         []*content.ToolDefinition
}

// PrefillFormatter is the capability set shared by the tool-protocol
// formatters: building provider messages, serializing tool results,
// creating stream parsers, and recovering tool calls and content blocks
// from accumulated text.
type PrefillFormatter interface {
	BuildMessages(req content.Request, opts Options) (*ProviderRequest, error)
	FormatToolResults(results []content.ToolResult) (string, toolcall.Split)
	CreateStreamParser() *tagparser.Parser
	ParseToolCalls(text string) toolcall.Extraction
	HasToolUse(resp *content.Response) bool
	ParseContentBlocks(text string) []content.Part
}

// XMLFormatter implements PrefillFormatter for tool_mode=xml: tool
// definitions and protocol instructions are injected into the prompt text,
// and invocations are recovered from streamed text via the Tool-Call Parser.
type XMLFormatter struct {
	extractor *toolcall.Extractor
}

// NewXMLFormatter constructs an XMLFormatter with its own per-instance tool
// call id sequence, so ids stay unique within one stream.
func NewXMLFormatter() *XMLFormatter {
	return &XMLFormatter{extractor: toolcall.NewExtractor()}
}

// turnBuffer accumulates assistant-voice lines between flush points while
// walking messages.
type turnBuffer struct {
	lines []string
}

func (b *turnBuffer) add(line string) { b.lines = append(b.lines, line) }
func (b *turnBuffer) empty() bool     { return len(b.lines) == 0 }
func (b *turnBuffer) render(delim string) string {
	return strings.Join(b.lines, delim)
}
func (b *turnBuffer) reset() { b.lines = nil }

// BuildMessages serializes the conversation into provider-ready turns:
// system assembly, optional context-prefix seeding, an accumulate/flush walk
// over the messages, tool-protocol injection, first-turn role correction,
// and stop-sequence generation.
func (f *XMLFormatter) BuildMessages(req content.Request, opts Options) (*ProviderRequest, error) {
	opts = opts.withDefaults()
	out := &ProviderRequest{}

	// Step 1: system content, including xml tool protocol description when
	// tool_injection_mode is "system".
	systemText := req.System
	if req.ToolMode != content.ToolModeNative && opts.ToolInjectionMode == ToolInjectionSystem && len(req.Tools) > 0 {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += renderToolProtocol(req.Tools)
	}
	if systemText != "" {
		sysPart := content.TextPart{Text: systemText}
		if opts.PromptCaching {
			sysPart.CacheBreakpoint = true
			out.CacheMarkersApplied++
		}
		out.SystemBlocks = append(out.SystemBlocks, sysPart)
	}
	for _, p := range req.SystemParts {
		out.SystemBlocks = append(out.SystemBlocks, p)
	}

	var turns []content.Message

	// Step 2: optional context prefix seed.
	if opts.ContextPrefix != "" {
		turns = append(turns, content.Message{Participant: "user", Content: []content.Part{content.TextPart{Text: "[conversation begins]"}}})
		prefixPart := content.TextPart{Text: opts.ContextPrefix}
		if opts.PromptCaching {
			prefixPart.CacheBreakpoint = true
			out.CacheMarkersApplied++
		}
		turns = append(turns, content.Message{Participant: "assistant", Content: []content.Part{prefixPart}})
	}

	// Step 3: walk messages, accumulating assistant-voice buffer.
	buf := &turnBuffer{}
	delim := opts.MessageDelimiter

	flush := func(cache bool) {
		if buf.empty() {
			return
		}
		text := buf.render("\n")
		part := content.TextPart{Text: text}
		if cache && out.CacheMarkersApplied < maxCacheMarkers {
			part.CacheBreakpoint = true
			out.CacheMarkersApplied++
		}
		// Provider-facing turns are role-shaped: the assistant participant's
		// name appears inside the text, never as the turn role.
		turns = append(turns, content.Message{Participant: "assistant", Content: []content.Part{part}})
		buf.reset()
	}

	lastEmptyMessage := false
	for i, m := range req.Messages {
		lastEmptyMessage = false
		if content.IsEmpty(m) {
			if i == len(req.Messages)-1 {
				lastEmptyMessage = true
			}
			continue
		}

		marked := m.CacheBreakpoint
		if opts.HasCacheMarker != nil && opts.HasCacheMarker(m, i) {
			marked = true
		}

		if content.HasImage(m) {
			flush(false)
			imgTurn := content.Message{Participant: "user"}
			text := content.ExtractText(m)
			if text != "" {
				imgTurn.Content = append(imgTurn.Content, content.TextPart{Text: m.Participant + ": " + text})
			}
			for _, p := range m.Content {
				if img, ok := p.(content.ImagePart); ok {
					imgTurn.Content = append(imgTurn.Content, img)
				}
			}
			turns = append(turns, imgTurn)
			continue
		}

		for _, p := range m.Content {
			switch v := p.(type) {
			case content.TextPart:
				if v.Text != "" {
					buf.add(m.Participant + ": " + v.Text + delim)
				}
			case content.ToolUsePart:
				buf.add(fmt.Sprintf("%s>[tool_name]: %s", m.Participant, string(v.Input)))
			case content.ToolResultPart:
				buf.add(fmt.Sprintf("%s<[tool_result]: %v", m.Participant, v.Content))
			case content.DocumentPart, content.AudioPart, content.VideoPart:
				if opts.UnsupportedMedia == UnsupportedMediaError {
					return nil, errs.New(errs.KindInvalidReq, "message contains unsupported media for xml prefill formatter")
				}
				// strip: silently drop.
			}
		}

		// A marker caches everything up to and including this message, so the
		// flush happens after the message's own lines are buffered.
		if marked {
			flush(opts.PromptCaching)
		}
	}

	// Bot continuation: when the conversation ends on an assistant-voice
	// message, drop its trailing delimiter so the model extends the line
	// verbatim instead of starting a new turn.
	if delim != "" && len(buf.lines) > 0 && len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		if !content.IsEmpty(last) && last.Participant == opts.AssistantParticipant {
			buf.lines[len(buf.lines)-1] = strings.TrimSuffix(buf.lines[len(buf.lines)-1], delim)
		}
	}

	// Step 4: tool injection in conversation mode.
	if req.ToolMode != content.ToolModeNative && opts.ToolInjectionMode == ToolInjectionConversation && len(req.Tools) > 0 {
		pos := opts.ToolInjectionPosition
		if len(buf.lines) > pos {
			splitAt := len(buf.lines) - pos
			suffix := buf.lines[splitAt:]
			buf.lines = buf.lines[:splitAt]
			flush(false)
			turns = append(turns, content.Message{Participant: "user", Content: []content.Part{content.TextPart{Text: renderToolProtocol(req.Tools)}}})
			buf.lines = suffix
		} else {
			buf.lines = append([]string{renderToolProtocol(req.Tools)}, buf.lines...)
		}
	}

	// Step 5: flush remainder as the final assistant turn.
	if lastEmptyMessage {
		tail := opts.AssistantParticipant + ":"
		if opts.PrefillThinking {
			tail = opts.AssistantParticipant + ": <thinking>"
		}
		buf.add(tail)
	}
	flush(false)

	// Step 6: ensure first turn is user-role.
	if len(turns) > 0 && turns[0].Participant != "user" {
		seed := "[Start]"
		if systemText == "" {
			seed = "<cmd>cat untitled.txt</cmd>"
		}
		turns = append([]content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: seed}}}}, turns...)
	}

	// Step 7: stop sequences.
	out.StopSequences = buildStopSequences(req.Messages, opts.AssistantParticipant, opts.MaxParticipantsForStop)
	out.StopSequences = append(out.StopSequences, "</function_calls>")
	out.StopSequences = append(out.StopSequences, req.StopSequences...)

	// Step 8: native tools array (produced regardless, harmless if unused by
	// an xml-mode caller; Engine only consults it in native mode).
	out.NativeTools = req.Tools

	if len(turns) > 0 {
		last := turns[len(turns)-1]
		out.AssistantPrefill = content.ExtractText(last)
	}
	out.ProviderMessages = turns
	return out, nil
}

func buildStopSequences(msgs []content.Message, assistant string, maxParticipants int) []string {
	seen := make(map[string]bool)
	var names []string
	for i := len(msgs) - 1; i >= 0 && len(names) < maxParticipants; i-- {
		p := msgs[i].Participant
		if p == "" || p == assistant || seen[p] {
			continue
		}
		seen[p] = true
		names = append(names, p)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, "\n"+n+":")
	}
	return out
}

func renderToolProtocol(tools []*content.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools. To use a tool, write:\n")
	b.WriteString("<function_calls>\n<invoke name=\"tool_name\">\n<parameter name=\"param\">value</parameter>\n</invoke>\n</function_calls>\n\n")
	for _, t := range tools {
		if t == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

// FormatToolResults serializes tool results into the XML function_results
// protocol, using the split-turn variant when any result
// carries image content.
func (f *XMLFormatter) FormatToolResults(results []content.ToolResult) (string, toolcall.Split) {
	return toolcall.FormatResults(results)
}

// CreateStreamParser returns a fresh, per-stream Incremental Tag Parser.
func (f *XMLFormatter) CreateStreamParser() *tagparser.Parser {
	return tagparser.New()
}

// ParseToolCalls extracts the first function_calls block from text.
func (f *XMLFormatter) ParseToolCalls(text string) toolcall.Extraction {
	return f.extractor.Extract(text)
}

// HasToolUse reports whether resp carries any tool invocation.
func (f *XMLFormatter) HasToolUse(resp *content.Response) bool {
	return resp != nil && len(resp.ToolCalls) > 0
}

// ParseContentBlocks converts accumulated raw text into a final ordered
// content-block sequence by replaying it through a fresh parser and mapping
// visible/hidden runs onto TextPart/ThinkingPart/ToolUsePart blocks. Tool
// invocations are further decoded via ParseToolCalls so their structured
// Input is available on the returned ToolUsePart.
func (f *XMLFormatter) ParseContentBlocks(text string) []content.Part {
	p := tagparser.New()
	events := append(p.Push(text), p.Flush()...)

	var out []content.Part
	var textBuf, thinkBuf, toolBuf strings.Builder
	flushKind := func(kind tagparser.BlockType) {
		switch kind {
		case tagparser.BlockText:
			if textBuf.Len() > 0 {
				out = append(out, content.TextPart{Text: textBuf.String()})
				textBuf.Reset()
			}
		case tagparser.BlockThinking:
			if thinkBuf.Len() > 0 {
				out = append(out, content.ThinkingPart{Text: thinkBuf.String()})
				thinkBuf.Reset()
			}
		case tagparser.BlockToolCall:
			if toolBuf.Len() > 0 {
				wrapped := "<function_calls>" + toolBuf.String() + "</function_calls>"
				extraction := f.extractor.Extract(wrapped)
				for _, c := range extraction.Calls {
					out = append(out, content.ToolUsePart{ID: c.ID, Name: c.Name, Input: c.Input})
				}
				toolBuf.Reset()
			}
		}
	}
	for _, ev := range events {
		switch ev.Kind {
		case tagparser.EventContent:
			switch ev.Type {
			case tagparser.BlockText:
				textBuf.WriteString(ev.Text)
			case tagparser.BlockThinking:
				thinkBuf.WriteString(ev.Text)
			case tagparser.BlockToolCall:
				toolBuf.WriteString(ev.Text)
			}
		case tagparser.EventBlockComplete:
			flushKind(ev.Type)
		}
	}
	flushKind(tagparser.BlockText)
	return out
}

// TrimTrailing removes trailing whitespace from accumulated text, as
// required before re-seeding a continuation prefill (some backends reject a
// trailing-whitespace prefill).
func TrimTrailing(s string) string {
	return strings.TrimRight(s, " \t\n\r")
}
