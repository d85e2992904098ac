package formatter

import (
	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/tagparser"
	"github.com/antra-tess/membrane/toolcall"
)

// NativeFormatter implements PrefillFormatter for providers with a
// role-based message API and native function-calling: messages
// map directly to role turns, consecutive same-role turns are merged, and an
// alternation filler is inserted where the backend requires strict
// user/assistant alternation.
type NativeFormatter struct {
	extractor          *toolcall.Extractor
	AlternationFiller  string
	RequireAlternation bool
}

// NewNativeFormatter constructs a NativeFormatter with the default "..."
// alternation filler.
func NewNativeFormatter() *NativeFormatter {
	return &NativeFormatter{extractor: toolcall.NewExtractor(), AlternationFiller: "..."}
}

func roleOf(participant, assistant string) string {
	if participant == assistant || participant == "assistant" {
		return "assistant"
	}
	return "user"
}

// BuildMessages maps each normalized message onto a role turn, merging
// consecutive same-role turns and inserting an alternation filler turn
// between same-role neighbors when RequireAlternation is set.
func (f *NativeFormatter) BuildMessages(req content.Request, opts Options) (*ProviderRequest, error) {
	opts = opts.withDefaults()
	out := &ProviderRequest{NativeTools: req.Tools}

	if req.System != "" {
		sysPart := content.TextPart{Text: req.System}
		if opts.PromptCaching {
			sysPart.CacheBreakpoint = true
			out.CacheMarkersApplied++
		}
		out.SystemBlocks = append(out.SystemBlocks, sysPart)
	}
	out.SystemBlocks = append(out.SystemBlocks, req.SystemParts...)

	var turns []content.Message
	for i, m := range req.Messages {
		if content.IsEmpty(m) {
			continue
		}
		role := roleOf(m.Participant, opts.AssistantParticipant)
		marked := m.CacheBreakpoint || (opts.HasCacheMarker != nil && opts.HasCacheMarker(m, i))

		if marked && out.CacheMarkersApplied >= maxCacheMarkers {
			marked = false
		}
		if len(turns) > 0 && turns[len(turns)-1].Participant == role {
			if f.RequireAlternation {
				turns = append(turns, content.Message{Participant: otherRole(role), Content: []content.Part{content.TextPart{Text: f.AlternationFiller}}})
			} else {
				turns[len(turns)-1].Content = append(turns[len(turns)-1].Content, m.Content...)
				if marked {
					turns[len(turns)-1].CacheBreakpoint = true
					out.CacheMarkersApplied++
				}
				continue
			}
		}
		turn := content.Message{Participant: role, Content: m.Content, CacheBreakpoint: marked}
		if marked {
			out.CacheMarkersApplied++
		}
		turns = append(turns, turn)
	}

	if len(turns) > 0 && turns[0].Participant != "user" {
		turns = append([]content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: "[Start]"}}}}, turns...)
	}

	out.ProviderMessages = turns
	out.StopSequences = append(out.StopSequences, req.StopSequences...)
	return out, nil
}

func otherRole(role string) string {
	if role == "user" {
		return "assistant"
	}
	return "user"
}

// FormatToolResults delegates to the shared XML serializer; native-tool
// providers that want structured tool_result blocks instead build them
// directly from content.ToolResult at the adapter layer, bypassing this.
func (f *NativeFormatter) FormatToolResults(results []content.ToolResult) (string, toolcall.Split) {
	return toolcall.FormatResults(results)
}

func (f *NativeFormatter) CreateStreamParser() *tagparser.Parser { return tagparser.New() }

func (f *NativeFormatter) ParseToolCalls(text string) toolcall.Extraction {
	return f.extractor.Extract(text)
}

func (f *NativeFormatter) HasToolUse(resp *content.Response) bool {
	return resp != nil && len(resp.ToolCalls) > 0
}

func (f *NativeFormatter) ParseContentBlocks(text string) []content.Part {
	if text == "" {
		return nil
	}
	return []content.Part{content.TextPart{Text: text}}
}
