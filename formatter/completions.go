package formatter

import (
	"strings"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/tagparser"
	"github.com/antra-tess/membrane/toolcall"
)

// CompletionsFormatter implements PrefillFormatter for single-prompt,
// non-chat completion backends: the whole conversation is
// concatenated into one text block, images are stripped (completion
// backends have no multimodal turn structure), and stop sequences are
// derived from the observed participant names plus an end-of-turn literal.
type CompletionsFormatter struct {
	extractor  *toolcall.Extractor
	EOTLiteral string
}

func NewCompletionsFormatter() *CompletionsFormatter {
	return &CompletionsFormatter{extractor: toolcall.NewExtractor(), EOTLiteral: "<|endofturn|>"}
}

func (f *CompletionsFormatter) BuildMessages(req content.Request, opts Options) (*ProviderRequest, error) {
	opts = opts.withDefaults()
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		if content.IsEmpty(m) {
			continue
		}
		text := content.ExtractText(m)
		if text == "" {
			continue
		}
		b.WriteString(m.Participant)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString(f.EOTLiteral)
		b.WriteString("\n\n")
	}
	b.WriteString(opts.AssistantParticipant)
	b.WriteString(":")

	out := &ProviderRequest{
		ProviderMessages: []content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: b.String()}}}},
		AssistantPrefill: b.String(),
	}
	out.StopSequences = buildStopSequences(req.Messages, opts.AssistantParticipant, opts.MaxParticipantsForStop)
	out.StopSequences = append(out.StopSequences, f.EOTLiteral)
	out.StopSequences = append(out.StopSequences, req.StopSequences...)
	return out, nil
}

func (f *CompletionsFormatter) FormatToolResults(results []content.ToolResult) (string, toolcall.Split) {
	return toolcall.FormatResults(results)
}

func (f *CompletionsFormatter) CreateStreamParser() *tagparser.Parser { return tagparser.New() }

func (f *CompletionsFormatter) ParseToolCalls(text string) toolcall.Extraction {
	return f.extractor.Extract(text)
}

func (f *CompletionsFormatter) HasToolUse(resp *content.Response) bool {
	return resp != nil && len(resp.ToolCalls) > 0
}

func (f *CompletionsFormatter) ParseContentBlocks(text string) []content.Part {
	if text == "" {
		return nil
	}
	return []content.Part{content.TextPart{Text: text}}
}
