package formatter

import (
	"strings"
	"testing"

	"github.com/antra-tess/membrane/content"
)

func TestXMLFormatter_BuildMessages_Basic(t *testing.T) {
	req := content.Request{
		System: "be helpful",
		Messages: []content.Message{
			{Participant: "alice", Content: []content.Part{content.TextPart{Text: "hi"}}},
			{Participant: "assistant", Content: []content.Part{content.TextPart{Text: "hello"}}},
		},
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(req, Options{})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if len(out.ProviderMessages) == 0 {
		t.Fatalf("expected at least one provider message")
	}
	if out.ProviderMessages[0].Participant != "user" {
		t.Fatalf("first turn participant = %s, want user", out.ProviderMessages[0].Participant)
	}
}

func TestXMLFormatter_BuildMessages_ToolInjectionSystem(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "go"}}},
		},
		Tools: []*content.ToolDefinition{{Name: "search", Description: "search the web"}},
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(req, Options{ToolInjectionMode: ToolInjectionSystem})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if len(out.SystemBlocks) == 0 {
		t.Fatalf("expected system block with tool protocol")
	}
	sys, ok := out.SystemBlocks[0].(content.TextPart)
	if !ok {
		t.Fatalf("system block is not text")
	}
	if !strings.Contains(sys.Text, "search") {
		t.Fatalf("system text missing tool description: %q", sys.Text)
	}
}

func TestXMLFormatter_CacheBreakpointFlushesBuffer(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "first"}}},
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "second"}}, CacheBreakpoint: true},
		},
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(req, Options{PromptCaching: true})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if out.CacheMarkersApplied == 0 {
		t.Fatalf("expected at least one cache marker applied")
	}
}

func TestXMLFormatter_CacheMarkerInvariance(t *testing.T) {
	req := content.Request{
		System: "S",
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "cached turn"}}, CacheBreakpoint: true},
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "fresh turn"}}},
		},
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(req, Options{PromptCaching: true})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if out.CacheMarkersApplied != 2 {
		t.Fatalf("CacheMarkersApplied = %d, want 2", out.CacheMarkersApplied)
	}
	// The system block and the flushed assistant turn ending at the marked
	// message carry markers; the trailing assistant turn does not.
	last := out.ProviderMessages[len(out.ProviderMessages)-1]
	for _, p := range last.Content {
		if tp, ok := p.(content.TextPart); ok && tp.CacheBreakpoint {
			t.Fatalf("trailing assistant turn unexpectedly cache-marked: %+v", tp)
		}
	}
	marked := 0
	for _, p := range out.SystemBlocks {
		if tp, ok := p.(content.TextPart); ok && tp.CacheBreakpoint {
			marked++
		}
	}
	for _, m := range out.ProviderMessages {
		for _, p := range m.Content {
			if tp, ok := p.(content.TextPart); ok && tp.CacheBreakpoint {
				marked++
			}
		}
	}
	if marked != out.CacheMarkersApplied {
		t.Fatalf("cache-control tokens present = %d, CacheMarkersApplied = %d", marked, out.CacheMarkersApplied)
	}
}

func TestXMLFormatter_CacheMarkersCappedAtFour(t *testing.T) {
	var msgs []content.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, content.Message{
			Participant:     "user",
			Content:         []content.Part{content.TextPart{Text: "turn"}},
			CacheBreakpoint: true,
		})
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(content.Request{System: "S", Messages: msgs}, Options{PromptCaching: true})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if out.CacheMarkersApplied > 4 {
		t.Fatalf("CacheMarkersApplied = %d, want <= 4", out.CacheMarkersApplied)
	}
}

func TestXMLFormatter_ImageForcesFlushAndUserTurn(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "look"}, content.ImagePart{Format: content.ImageFormatPNG, Bytes: []byte{1, 2, 3}}}},
		},
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(req, Options{})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	var foundImage bool
	for _, m := range out.ProviderMessages {
		for _, p := range m.Content {
			if _, ok := p.(content.ImagePart); ok {
				foundImage = true
			}
		}
	}
	if !foundImage {
		t.Fatalf("expected an image part to survive into provider messages")
	}
}

func TestXMLFormatter_StopSequencesIncludeParticipantsAndFunctionCalls(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "bob", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
	}
	f := NewXMLFormatter()
	out, err := f.BuildMessages(req, Options{})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	var foundBob, foundFC bool
	for _, s := range out.StopSequences {
		if strings.Contains(s, "bob") {
			foundBob = true
		}
		if s == "</function_calls>" {
			foundFC = true
		}
	}
	if !foundBob {
		t.Fatalf("expected a stop sequence for participant bob, got %v", out.StopSequences)
	}
	if !foundFC {
		t.Fatalf("expected </function_calls> stop sequence, got %v", out.StopSequences)
	}
}

func TestXMLFormatter_ParseContentBlocksSeparatesThinkingAndText(t *testing.T) {
	f := NewXMLFormatter()
	text := "<thinking>reasoning</thinking>visible"
	blocks := f.ParseContentBlocks(text)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(blocks), blocks)
	}
	think, ok := blocks[0].(content.ThinkingPart)
	if !ok || think.Text != "reasoning" {
		t.Fatalf("first block = %+v, want thinking 'reasoning'", blocks[0])
	}
	txt, ok := blocks[1].(content.TextPart)
	if !ok || txt.Text != "visible" {
		t.Fatalf("second block = %+v, want text 'visible'", blocks[1])
	}
}

func TestXMLFormatter_ParseContentBlocksExtractsToolUse(t *testing.T) {
	f := NewXMLFormatter()
	text := `<function_calls><invoke name="search"><parameter name="q">pumps</parameter></invoke></function_calls>`
	blocks := f.ParseContentBlocks(text)
	var found bool
	for _, b := range blocks {
		if tu, ok := b.(content.ToolUsePart); ok {
			found = true
			if tu.Name != "search" {
				t.Fatalf("tool name = %s, want search", tu.Name)
			}
		}
	}
	if !found {
		t.Fatalf("expected a ToolUsePart in %+v", blocks)
	}
}

func TestNativeFormatter_MergesConsecutiveSameRole(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "a"}}},
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "b"}}},
			{Participant: "assistant", Content: []content.Part{content.TextPart{Text: "c"}}},
		},
	}
	f := NewNativeFormatter()
	out, err := f.BuildMessages(req, Options{})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if len(out.ProviderMessages) != 2 {
		t.Fatalf("expected 2 merged turns, got %d", len(out.ProviderMessages))
	}
	if len(out.ProviderMessages[0].Content) != 2 {
		t.Fatalf("expected merged user turn to carry 2 parts, got %d", len(out.ProviderMessages[0].Content))
	}
}

func TestNativeFormatter_AlternationFiller(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "a"}}},
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "b"}}},
		},
	}
	f := NewNativeFormatter()
	f.RequireAlternation = true
	out, err := f.BuildMessages(req, Options{})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if len(out.ProviderMessages) != 3 {
		t.Fatalf("expected filler turn inserted, got %d turns", len(out.ProviderMessages))
	}
	if out.ProviderMessages[1].Participant != "assistant" {
		t.Fatalf("filler turn role = %s, want assistant", out.ProviderMessages[1].Participant)
	}
}

func TestCompletionsFormatter_ConcatenatesIntoSinglePrompt(t *testing.T) {
	req := content.Request{
		System: "be terse",
		Messages: []content.Message{
			{Participant: "carol", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
	}
	f := NewCompletionsFormatter()
	out, err := f.BuildMessages(req, Options{AssistantParticipant: "assistant"})
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if len(out.ProviderMessages) != 1 {
		t.Fatalf("expected a single concatenated turn, got %d", len(out.ProviderMessages))
	}
	text := content.ExtractText(out.ProviderMessages[0])
	if !strings.Contains(text, "be terse") || !strings.Contains(text, "carol: hi"+f.EOTLiteral+"\n\n") {
		t.Fatalf("unexpected concatenated prompt: %q", text)
	}
	if !strings.HasSuffix(text, "assistant:") {
		t.Fatalf("expected prompt to end with the assistant turn prefix, got %q", text)
	}
	var foundCarol bool
	for _, s := range out.StopSequences {
		if strings.Contains(s, "carol") {
			foundCarol = true
		}
	}
	if !foundCarol {
		t.Fatalf("expected a stop sequence for carol, got %v", out.StopSequences)
	}
}
